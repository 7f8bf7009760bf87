package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOwner(t *testing.T) {
	owner, err := ExtractOwner("s3://alice@example.com/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", owner)

	_, err = ExtractOwner("no-scheme-here")
	assert.Error(t, err)

	_, err = ExtractOwner("s3://ownerless")
	assert.Error(t, err)
}

func TestDataSourceScheme(t *testing.T) {
	assert.Equal(t, "s3", DataSource{ID: "s3://u/k"}.Scheme())
	assert.Equal(t, "obj", DataSource{ID: "obj://slot1"}.Scheme())
	assert.Equal(t, "", DataSource{ID: "plain"}.Scheme())
}

func TestDataSourceObject(t *testing.T) {
	d := DataSource{ID: "obj://intermediate"}
	assert.True(t, d.IsObject())
	assert.Equal(t, "intermediate", d.ObjectName())

	assert.False(t, DataSource{ID: "s3://u/k"}.IsObject())
	assert.Empty(t, DataSource{ID: "s3://u/k"}.ObjectName())
}

func TestDataSourceIsImage(t *testing.T) {
	assert.True(t, DataSource{ID: "s3://u/pic", Type: "image/png"}.IsImage())
	assert.False(t, DataSource{ID: "s3://u/doc", Type: "application/pdf"}.IsImage())
}
