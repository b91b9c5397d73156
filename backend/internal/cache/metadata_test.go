package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-interaction-service/backend/internal/entity"
)

func TestMetadata_HotAndCold(t *testing.T) {
	c, _ := newTestCounter(t)
	ctx := context.Background()
	hot := entity.ContentRef{Type: entity.ContentDevotional, ID: "d1"}
	cold := entity.ContentRef{Type: entity.ContentDevotional, ID: "d2"}

	_, err := c.SeedToggle(ctx, hot, entity.KindLike, 1, []uint64{11})
	require.NoError(t, err)
	_, err = c.SeedToggle(ctx, hot, entity.KindBookmark, 0, nil)
	require.NoError(t, err)
	for _, f := range []entity.Field{entity.FieldViews, entity.FieldShares, entity.FieldComments} {
		_, err := c.SeedCounter(ctx, hot, f, 4)
		require.NoError(t, err)
	}

	out, err := c.Metadata(ctx, []entity.ContentRef{hot, cold}, 11)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.True(t, out[0].Found)
	assert.Equal(t, int64(1), out[0].LikeCount)
	assert.Equal(t, int64(4), out[0].ViewCount)
	assert.True(t, out[0].HasLiked)
	assert.False(t, out[0].HasBookmarked)

	assert.False(t, out[1].Found)
	assert.Equal(t, cold.ID, out[1].ContentID)
}

func TestMetadata_Empty(t *testing.T) {
	c, _ := newTestCounter(t)
	out, err := c.Metadata(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Empty(t, out)
}
