package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/home/dir", NormalizePath("/home//dir/"))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "/", NormalizePath("///"))
	assert.Equal(t, "/a", NormalizePath("/a"))
}

func TestIsAbsPath(t *testing.T) {
	assert.True(t, IsAbsPath("/a/b"))
	assert.False(t, IsAbsPath(""))
	assert.False(t, IsAbsPath("a/b"))
}
