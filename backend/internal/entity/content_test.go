package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContentRef(t *testing.T) {
	ref, err := NewContentRef("media", " 42 ")
	require.NoError(t, err)
	assert.Equal(t, ContentRef{Type: ContentMedia, ID: "42"}, ref)
	assert.Equal(t, "media:42", ref.String())
	assert.Equal(t, "room:media:42", ref.Room())

	_, err = NewContentRef("video", "1")
	assert.ErrorIs(t, err, ErrUnknownContentType)

	_, err = NewContentRef("poll", "  ")
	assert.ErrorIs(t, err, ErrEmptyContentID)
}

func TestParseContentRef_RoundTripsIDsWithColons(t *testing.T) {
	ref := ContentRef{Type: ContentForumPost, ID: "thread:7"}
	got, err := ParseContentRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	_, err = ParseContentRef("nocolon")
	assert.Error(t, err)
}

func TestParseKind_RejectsInternalKinds(t *testing.T) {
	for _, s := range []string{"like", "bookmark", "view", "share"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), k)
	}
	_, err := ParseKind("comment")
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseKind("listen")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindFieldMapping(t *testing.T) {
	assert.Equal(t, FieldLikes, KindLike.Field())
	assert.Equal(t, FieldComments, KindComment.Field())
	assert.True(t, KindBookmark.IsToggle())
	assert.False(t, KindView.IsToggle())

	k, ok := FieldBookmarks.ToggleKind()
	assert.True(t, ok)
	assert.Equal(t, KindBookmark, k)
	_, ok = FieldViews.ToggleKind()
	assert.False(t, ok)

	for _, f := range AllFields {
		assert.NotEmpty(t, f.Column())
	}
}

func TestStatsValueAndMetadataSet(t *testing.T) {
	s := ContentStats{LikeCount: 1, ViewCount: 2, ShareCount: 3, CommentCount: 4, BookmarkCount: 5}
	var m Metadata
	for _, f := range AllFields {
		m.Set(f, s.Value(f))
	}
	assert.Equal(t, Metadata{LikeCount: 1, ViewCount: 2, ShareCount: 3, CommentCount: 4, BookmarkCount: 5}, m)
	assert.True(t, s.HasActivity())
	assert.False(t, (&ContentStats{}).HasActivity())
}
