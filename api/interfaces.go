package api

// Bus interface names served under every application node.
const (
	SearchProvider  = "org.gnome.Shell.SearchProvider"
	SearchProvider2 = "org.gnome.Shell.SearchProvider2"
	ContentMetadata = "com.endlessm.ContentMetadata"

	DiscoveryFeedContent = "com.endlessm.DiscoveryFeedContent"
	DiscoveryFeedQuote   = "com.endlessm.DiscoveryFeedQuote"
	DiscoveryFeedWord    = "com.endlessm.DiscoveryFeedWord"
	DiscoveryFeedNews    = "com.endlessm.DiscoveryFeedNews"
	DiscoveryFeedVideo   = "com.endlessm.DiscoveryFeedVideo"
	DiscoveryFeedArtwork = "com.endlessm.DiscoveryFeedArtwork"
)

// KnowledgeSearch is the interface exported by the companion application
// itself, used to hand activations back to it.
const KnowledgeSearch = "com.endlessm.KnowledgeSearch"

// ServiceName is the well-known bus name claimed by the service.
const ServiceName = "com.endlessm.EknServices3.SearchProviderV3"

// ErrorNamespace prefixes every error name returned over the bus.
const ErrorNamespace = "com.endlessm.EknServices.SearchProvider"

// Well-known tags used by the providers to select content.
const (
	TagArticle               = "EknArticleObject"
	TagHasDiscoveryFeedTitle = "EknHasDiscoveryFeedTitle"
	TagQuote                 = "EknQuoteObject"
	TagWord                  = "EknWordObject"
	TagVideo                 = "EknVideoObject"
	TagNewsArticle           = "EknNewsArticle"
	TagArtworkCard           = "EknArtworkCard"
)
