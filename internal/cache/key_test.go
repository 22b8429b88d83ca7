package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "article:12345", ArticleKey("12345").String())
	assert.Equal(t, "abstract:12345", AbstractKey(" 12345 ").String())
	assert.Equal(t, "oa:12345", OpenAccessKey("12345").String())
}

func TestIDKeySanitises(t *testing.T) {
	assert.Equal(t, "article:.._.._etc_passwd", IDKey(KindArticle, "../../etc/passwd").String())
	assert.Equal(t, "_", IDKey(KindArticle, "..").ID)
	assert.Equal(t, "_", IDKey(KindArticle, "").ID)
	assert.Equal(t, "PMC123_4", IDKey(KindOpenAccess, "PMC123/4").ID)
}

func TestParamsKey(t *testing.T) {
	a := ParamsKey(KindSearch, map[string]string{"query": "crispr", "max_results": "10", "sort": "relevance"})
	b := ParamsKey(KindSearch, map[string]string{"sort": "relevance", "query": " crispr ", "max_results": "10"})
	c := ParamsKey(KindSearch, map[string]string{"query": "crispr", "max_results": "20", "sort": "relevance"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.ID, 64)
	assert.Equal(t, KindSearch, a.Kind)
}

func TestParamsKeyDoesNotConfuseBoundaries(t *testing.T) {
	a := ParamsKey(KindSearch, map[string]string{"a": "bc"})
	b := ParamsKey(KindSearch, map[string]string{"ab": "c"})
	assert.NotEqual(t, a, b)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindSearch.Valid())
	assert.True(t, KindFulltext.Valid())
	assert.False(t, Kind("bogus").Valid())
}
