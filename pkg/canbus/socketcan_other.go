// +build !linux

package canbus

import (
	"github.com/pkg/errors"
)

// DialSocketCAN is only available on linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, errors.Wrapf(ErrUnsupported, "socketcan %s", iface)
}
