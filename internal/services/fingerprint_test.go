package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashIsPlainSHA256(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ContentHash([]byte("hello")))
}

func TestDocumentIDDependsOnPathAndContent(t *testing.T) {
	data := []byte("%PDF-1.7")

	assert.Equal(t, DocumentID("a.pdf", data), DocumentID("a.pdf", data))
	assert.NotEqual(t, DocumentID("a.pdf", data), DocumentID("b.pdf", data))
	assert.NotEqual(t, DocumentID("a.pdf", data), DocumentID("a.pdf", []byte("%PDF-1.6")))
	assert.NotEqual(t, ContentHash(data), DocumentID("a.pdf", data))
	assert.Len(t, DocumentID("a.pdf", data), 64)
}

func TestFingerprintSaltIsSeparated(t *testing.T) {
	// Without the separator these two inputs would hash the same bytes.
	assert.NotEqual(t, Fingerprint([]byte("ab"), "c"), Fingerprint([]byte("a"), "bc"))
	assert.Equal(t, ContentHash([]byte("x")), Fingerprint([]byte("x"), ""))
}
