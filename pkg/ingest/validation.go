package ingest

import (
	"regexp"
	"strings"
)

// bucketNameRE mirrors S3-style bucket naming: lowercase letters, digits,
// and hyphens, 3-63 characters, starting and ending alphanumeric.
var bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

var ipAddressRE = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// objectKeyRE allows only ASCII letters, digits and the characters
// !-_.*'()/, excluding anything that would confuse a shard-store path or a
// traversal check below.
var objectKeyRE = regexp.MustCompile(`^[a-zA-Z0-9!\-_.*'()/]*$`)

func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if ipAddressRE.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return bucketNameRE.MatchString(name)
}

func isValidObjectKey(key string) bool {
	if key == "" || len(key) > 1024 {
		return false
	}
	if strings.Contains(key, "../") || strings.Contains(key, "./") || strings.Contains(key, `\`) {
		return false
	}
	return objectKeyRE.MatchString(key)
}
