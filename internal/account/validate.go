package account

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_.@+-]{1,128}$`)

// ValidateName checks that name is usable as a directory and lock key.
// Lower-cased mailbox addresses are allowed.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid account name %q: must match ^[a-z0-9_.@+-]{1,128}$", name)
	}
	return nil
}
