package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidBucketName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"photos", true},
		{"my-bucket", true},
		{"123bucket", true},
		{"bucket123", true},
		{"my_bucket", false},
		{"MyBucket", false},
		{"my-bucket-", false},
		{"-my-bucket", false},
		{"my..bucket", false},
		{"192.168.1.1", false},
		{"bu", false},
		{strings.Repeat("a", 64), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isValidBucketName(tc.name), "bucket name %q", tc.name)
	}
}

func TestIsValidObjectKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"my-object", true},
		{"my_object", true},
		{"my/object", true},
		{"my.object", true},
		{"a/b.txt", true},
		{"", false},
		{strings.Repeat("a", 1025), false},
		{"my/../object", false},
		{"my/./object", false},
		{`my\object`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isValidObjectKey(tc.key), "object key %q", tc.key)
	}
}
