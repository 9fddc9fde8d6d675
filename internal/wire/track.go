package wire

// TrackInfo is the decoded metadata of a track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	SourceName string `json:"sourceName,omitempty"`
}

// Track pairs the node's opaque encoded form with its decoded info.
type Track struct {
	Encoded string    `json:"track"`
	Info    TrackInfo `json:"info"`
}

// Load types returned by a track search.
const (
	LoadTrack    = "TRACK_LOADED"
	LoadPlaylist = "PLAYLIST_LOADED"
	LoadSearch   = "SEARCH_RESULT"
	LoadEmpty    = "NO_MATCHES"
	LoadFailed   = "LOAD_FAILED"
)

// PlaylistInfo describes the playlist a search result belongs to.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// SearchResult is the response of a loadtracks request.
type SearchResult struct {
	LoadType     string       `json:"loadType"`
	PlaylistInfo PlaylistInfo `json:"playlistInfo"`
	Tracks       []Track      `json:"tracks"`
	Exception    *Exception   `json:"exception,omitempty"`
}
