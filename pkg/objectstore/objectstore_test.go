package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "inspector_data-uuid1", ObjectName("uuid1", ""))
	assert.Equal(t, "inspector_data-uuid1-UNPROCESSED", ObjectName("uuid1", SuffixUnprocessed))
}
