package domain

import "sort"

// KeySet — множество EntryID.
type KeySet map[string]struct{}

// NewKeySet строит множество из перечисленных ключей, пропуская пустые.
func NewKeySet(keys ...string) KeySet {
	set := make(KeySet, len(keys))
	for _, key := range keys {
		set.Add(key)
	}
	return set
}

// Add добавляет непустой ключ.
func (s KeySet) Add(key string) {
	if key == "" {
		return
	}
	s[key] = struct{}{}
}

// Has проверяет принадлежность ключа множеству. Безопасен для nil.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Sorted возвращает ключи в лексикографическом порядке.
func (s KeySet) Sorted() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Equal сравнивает два множества.
func (s KeySet) Equal(other KeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for key := range s {
		if !other.Has(key) {
			return false
		}
	}
	return true
}
