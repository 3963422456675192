package qfabric

import "regexp"

func mustCompileName() *regexp.Regexp {
	return regexp.MustCompile(`^[-_()a-zA-Z0-9]+$`)
}

// validName reports whether name is an acceptable context, RPC object, or
// signal name: 1 to MaxNameLength characters, letters/digits/-_() only.
// Grounded on util.py's is_valid_object_name.
func validName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	return ValidName.MatchString(name)
}
