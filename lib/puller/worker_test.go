package puller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testHex = "e9cee71ab932fde863338d08be4de9dfe39ea049bdafb342ce659ec5450b69ae"

func TestDigestNameStripsAlgorithmPrefix(t *testing.T) {
	assert.Equal(t, testHex, digestName("sha256:"+testHex))
}

func TestDigestNameRejectsMalformedDigestByReturningItUnchanged(t *testing.T) {
	assert.Equal(t, "abcd1234", digestName("abcd1234"))
	assert.Equal(t, "sha256:tooshort", digestName("sha256:tooshort"))
}

func TestRepositoryBasenameTakesLastSegment(t *testing.T) {
	assert.Equal(t, "ubuntu", repositoryBasename("library/ubuntu"))
	assert.Equal(t, "ubuntu", repositoryBasename("ubuntu"))
	assert.Equal(t, "app", repositoryBasename("org/team/app"))
}
