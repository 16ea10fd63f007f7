package util

// StringSet is a set of strings, represented by the keys of a map.
type StringSet map[string]bool

// NewStringSet returns the given list(s) of strings as a StringSet.
func NewStringSet(lists ...[]string) StringSet {
	ret := StringSet{}
	for _, list := range lists {
		for _, entry := range list {
			ret[entry] = true
		}
	}
	return ret
}

// Keys returns the keys of a StringSet.
func (s StringSet) Keys() []string {
	ret := make([]string, 0, len(s))
	for v := range s {
		ret = append(ret, v)
	}
	return ret
}

// Copy returns a copy of the StringSet such that reflect.DeepEqual returns
// true for the given StringSet and the returned StringSet. In particular,
// preserves nil input.
func (s StringSet) Copy() StringSet {
	if s == nil {
		return nil
	}
	ret := make(StringSet, len(s))
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// Intersect returns a new StringSet containing all the original strings that
// are also in StringSet other.
func (s StringSet) Intersect(other StringSet) StringSet {
	resultSet := make(StringSet, len(s))
	for val := range s {
		if other[val] {
			resultSet[val] = true
		}
	}
	return resultSet
}

// Union returns a new StringSet containing all the original strings and all
// the strings in StringSet other.
func (s StringSet) Union(other StringSet) StringSet {
	resultSet := make(StringSet, len(s)+len(other))
	for val := range s {
		resultSet[val] = true
	}
	for val := range other {
		resultSet[val] = true
	}
	return resultSet
}
