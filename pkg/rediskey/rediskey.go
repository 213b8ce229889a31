package rediskey

import (
	"fmt"
	"strings"
)

const (
	OwnerLockPrefix = "permit:owner:lock"
	SequencePrefix  = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildOwnerLockKey returns "permit:owner:lock:{lowercased address}".
func BuildOwnerLockKey(owner string) string {
	return NamespaceKey(OwnerLockPrefix, strings.ToLower(owner))
}

// BuildSequenceKey returns "seq:{prefix}:{day}".
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}
