package relay

// InfoDocument is the JSON document served to plain HTTP requests asking for
// application/nostr+json, describing the relay and its limits.
type InfoDocument struct {
	Name          string          `json:"name,omitempty"`
	Description   string          `json:"description,omitempty"`
	PubKey        string          `json:"pubkey,omitempty"`
	Contact       string          `json:"contact,omitempty"`
	SupportedNIPs []int           `json:"supported_nips"`
	Software      string          `json:"software"`
	Version       string          `json:"version,omitempty"`
	Limitation    *InfoLimitation `json:"limitation,omitempty"`
}

// InfoLimitation advertises hard server limits so clients can stay under
// them instead of discovering them through rejections.
type InfoLimitation struct {
	MaxMessageLength int `json:"max_message_length,omitempty"`
	MaxSubscriptions int `json:"max_subscriptions,omitempty"`
	MaxSubIDLength   int `json:"max_subid_length,omitempty"`
	MaxLimit         int `json:"max_limit,omitempty"`
}

func buildInfoDocument(cfg Config, version string) InfoDocument {
	return InfoDocument{
		Name:          cfg.Info.Name,
		Description:   cfg.Info.Description,
		PubKey:        cfg.Info.PubKey,
		Contact:       cfg.Info.Contact,
		SupportedNIPs: []int{1, 9, 11, 45, 77},
		Software:      "https://github.com/tidemark-net/tidemark",
		Version:       version,
		Limitation: &InfoLimitation{
			MaxMessageLength: int(cfg.MaxMessageSize),
			MaxSubscriptions: cfg.MaxSubscriptions,
			MaxSubIDLength:   64,
			MaxLimit:         cfg.QueryCap,
		},
	}
}
