package pathutil

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDir(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "pathutil")
	require.NoError(t, err)
	return dir, func() { require.NoError(t, os.RemoveAll(dir)) }
}

func TestFindConfigPath(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()

	existing := filepath.Join(dir, "local.json")
	require.NoError(t, ioutil.WriteFile(existing, []byte("{}"), 0600))
	defaults := ConfigPaths{
		WorkingDirLoc: filepath.Join(dir, "missing.json"),
		LocalLoc:      existing,
	}

	const env = "CFP_PATHUTIL_TEST_CONFIG"
	require.NoError(t, os.Unsetenv(env))

	path, err := FindConfigPath([]string{"from-args.json"}, 0, env, defaults)
	require.NoError(t, err)
	assert.Equal(t, "from-args.json", path)

	path, err = FindConfigPath(nil, 0, env, defaults)
	require.NoError(t, err)
	assert.Equal(t, existing, path)

	require.NoError(t, os.Setenv(env, "from-env.json"))
	defer os.Unsetenv(env) // nolint: errcheck

	path, err = FindConfigPath([]string{"ignored.json"}, -1, env, defaults)
	require.NoError(t, err)
	assert.Equal(t, "from-env.json", path)

	_, err = FindConfigPath(nil, 0, "", ConfigPaths{HomeLoc: filepath.Join(dir, "nope.json")})
	assert.True(t, errors.Cause(err) == ErrConfigNotFound)
}

func TestCFPDefaults(t *testing.T) {
	paths := CFPDefaults()
	local, err := paths.Get(LocalLoc)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/cfp/cfp-config.json", local)
	if home, ok := paths[HomeLoc]; ok {
		assert.Equal(t, filepath.Join(".cfp", ConfigFileName), filepath.Join(filepath.Base(filepath.Dir(home)), filepath.Base(home)))
	}

	_, err = ConfigPaths{}.Get(HomeLoc)
	assert.Error(t, err)
}

func TestConfigLocationTypeSet(t *testing.T) {
	var loc ConfigLocationType
	require.NoError(t, loc.Set("HOME"))
	assert.Equal(t, HomeLoc, loc)
	assert.Error(t, loc.Set("ATTIC"))
	assert.Equal(t, HomeLoc, loc)
}

func TestWriteJSONConfig(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()

	output := filepath.Join(dir, "nested", ConfigFileName)
	conf := map[string]int{"version": 1}
	require.NoError(t, WriteJSONConfig(conf, output, false))

	raw, err := ioutil.ReadFile(output)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, conf, got)

	assert.Error(t, WriteJSONConfig(conf, output, false))
	require.NoError(t, WriteJSONConfig(map[string]int{"version": 2}, output, true))

	raw, err = ioutil.ReadFile(output)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 2, got["version"])
}

func TestEnsureDir(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()

	path, err := EnsureDir(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	again, err := EnsureDir(path)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}
