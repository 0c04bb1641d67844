package api

// ManifestFile is the name of the manifest inside an application's content
// directory.
const ManifestFile = "manifest.json"

// ManifestVersion is the only manifest layout the engine understands.
const ManifestVersion = 2

// Manifest describes the content database of one application.
// It lists the shard files that together hold the app's records.
type Manifest struct {
	// Version of the manifest layout.
	Version int `json:"version"`
	// Shards of the content database, relative to the manifest directory
	// unless absolute.
	Shards []Shard `json:"shards"`
}

// Shard is one SQLite file of an application's content database.
type Shard struct {
	// Path of the shard database.
	Path string `json:"path"`
	// ID is an optional stable name used in logs.
	ID string `json:"id,omitempty"`
}

// Record is the JSON document stored for every content object.
// Only the fields the services read are declared; shards may carry more.
type Record struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title,omitempty"`
	OriginalTitle        string         `json:"original_title,omitempty"`
	Synopsis             string         `json:"synopsis,omitempty"`
	LastModifiedDate     string         `json:"last_modified_date,omitempty"`
	ThumbnailURI         string         `json:"thumbnail_uri,omitempty"`
	ContentType          string         `json:"content_type,omitempty"`
	CopyrightHolder      string         `json:"copyright_holder,omitempty"`
	Language             string         `json:"language,omitempty"`
	License              string         `json:"license,omitempty"`
	OriginalURI          string         `json:"original_uri,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	ChildTags            []string       `json:"child_tags,omitempty"`
	SequenceNumber       int64          `json:"sequence_number,omitempty"`
	DiscoveryFeedContent map[string]any `json:"discovery_feed_content,omitempty"`

	// Type-specific fields read by the discovery feeds.
	Author       string `json:"author,omitempty"`
	FirstDate    string `json:"first_date,omitempty"`
	Word         string `json:"word,omitempty"`
	Definition   string `json:"definition,omitempty"`
	PartOfSpeech string `json:"part_of_speech,omitempty"`
	Duration     string `json:"duration,omitempty"`
}
