package utils

import (
	"fmt"
	"net"
	"strings"

	"github.com/canonical/lxd/shared/validate"

	"github.com/canonical/rsupgrade/types"
)

// ValidateFQDN validates that the given name is a valid fully qualified domain name.
func ValidateFQDN(name string) error {
	if len(name) < 1 || len(name) > 255 {
		return fmt.Errorf("Name must be 1-255 characters long")
	}

	for _, label := range strings.Split(name, ".") {
		err := validate.IsHostname(label)
		if err != nil {
			return err
		}
	}

	return nil
}

// ValidateMemberAddress validates that addr is a replica set member address: an IP address or domain name with a
// port.
func ValidateMemberAddress(addr string) error {
	hp, err := types.ParseHostPort(addr)
	if err != nil {
		return fmt.Errorf("Invalid member address %q: %w", addr, err)
	}

	if net.ParseIP(hp.Host) != nil {
		return nil
	}

	err = ValidateFQDN(hp.Host)
	if err != nil {
		return fmt.Errorf("Invalid member host %q: %w", hp.Host, err)
	}

	return nil
}
