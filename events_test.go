package main

import (
	"testing"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/stretchr/testify/assert"
)

func TestSplitRecordPath(t *testing.T) {
	col, rkey := splitRecordPath("app.bsky.feed.post/3kabc")
	assert.Equal(t, "app.bsky.feed.post", col)
	assert.Equal(t, "3kabc", rkey)

	col, rkey = splitRecordPath("at://did:plc:alice/app.bsky.feed.post/3kxyz")
	assert.Equal(t, "app.bsky.feed.post", col)
	assert.Equal(t, "3kxyz", rkey)

	col, rkey = splitRecordPath("garbage")
	assert.Empty(t, col)
	assert.Empty(t, rkey)
}

func TestExtractEmbedImages(t *testing.T) {
	emb := extractEmbed(&bsky.FeedPost_Embed{
		EmbedImages: &bsky.EmbedImages{
			Images: []*bsky.EmbedImages_Image{
				{Alt: "a cat"},
				{Alt: ""},
				{Alt: "a second cat"},
			},
		},
	})

	assert.Equal(t, "a cat\na second cat", emb.altText)
	assert.Empty(t, emb.quotedUri)
}

func TestExtractEmbedExternal(t *testing.T) {
	emb := extractEmbed(&bsky.FeedPost_Embed{
		EmbedExternal: &bsky.EmbedExternal{
			External: &bsky.EmbedExternal_External{
				Title:       "Example",
				Description: "An example site",
				Uri:         "https://example.com",
			},
		},
	})
	assert.Equal(t, "Example", emb.title)
	assert.Equal(t, "An example site", emb.desc)
	assert.Equal(t, "https://example.com", emb.uri)

	// fully empty externals collapse to nothing
	emb = extractEmbed(&bsky.FeedPost_Embed{
		EmbedExternal: &bsky.EmbedExternal{
			External: &bsky.EmbedExternal_External{},
		},
	})
	assert.Empty(t, emb.title)
	assert.Empty(t, emb.desc)
	assert.Empty(t, emb.uri)
}

func TestExtractEmbedQuote(t *testing.T) {
	emb := extractEmbed(&bsky.FeedPost_Embed{
		EmbedRecord: &bsky.EmbedRecord{
			Record: &atproto.RepoStrongRef{
				Uri: "at://did:plc:bob/app.bsky.feed.post/3kq",
			},
		},
	})
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.post/3kq", emb.quotedUri)

	// quoting a feed generator is not a quote post
	emb = extractEmbed(&bsky.FeedPost_Embed{
		EmbedRecord: &bsky.EmbedRecord{
			Record: &atproto.RepoStrongRef{
				Uri: "at://did:plc:bob/app.bsky.feed.generator/cats",
			},
		},
	})
	assert.Empty(t, emb.quotedUri)
}

func TestExtractEmbedRecordWithMedia(t *testing.T) {
	emb := extractEmbed(&bsky.FeedPost_Embed{
		EmbedRecordWithMedia: &bsky.EmbedRecordWithMedia{
			Record: &bsky.EmbedRecord{
				Record: &atproto.RepoStrongRef{
					Uri: "at://did:plc:carol/app.bsky.feed.post/3km",
				},
			},
		},
	})
	assert.Equal(t, "at://did:plc:carol/app.bsky.feed.post/3km", emb.quotedUri)
}

func TestExtractEmbedNil(t *testing.T) {
	emb := extractEmbed(nil)
	assert.Equal(t, postEmbed{}, emb)
}

func TestSelfLabelValues(t *testing.T) {
	assert.Nil(t, selfLabelValues(nil))

	vals := selfLabelValues(&bsky.FeedPost_Labels{
		LabelDefs_SelfLabels: &atproto.LabelDefs_SelfLabels{
			Values: []*atproto.LabelDefs_SelfLabel{
				{Val: "sexual"},
				{Val: "graphic-media"},
			},
		},
	})
	assert.Equal(t, []string{"sexual", "graphic-media"}, vals)
}
