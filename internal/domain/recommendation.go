package domain

// RecKind names a recommendation list.
type RecKind string

const (
	RecFeed          RecKind = "feed"
	RecPersonalized  RecKind = "personalized"
	RecTrending      RecKind = "trending"
	RecNew           RecKind = "new"
	RecSimilar       RecKind = "similar"
	RecCategory      RecKind = "category"
	RecMaker         RecKind = "maker"
	RecTags          RecKind = "tags"
	RecCollaborative RecKind = "collaborative"
	RecPreferences   RecKind = "preferences"
	RecInterests     RecKind = "interests"
)

// BiasedRecKinds are the lists a user interaction makes outdated.
var BiasedRecKinds = []RecKind{RecPersonalized, RecFeed, RecCollaborative, RecInterests}

type Recommendation struct {
	ProductData     Product `json:"productData"`
	Score           float64 `json:"score"`
	Reason          string  `json:"reason"`
	ExplanationText string  `json:"explanationText"`
}

// RecommendationSettings are stored per user.
type RecommendationSettings struct {
	EnablePersonalized bool   `json:"enablePersonalized"`
	DiversityLevel     string `json:"diversityLevel" validate:"oneof=low medium high"`
	Blend              string `json:"blend" validate:"oneof=balanced personalized discovery trending"`
	RefreshInterval    int    `json:"refreshInterval" validate:"gte=0"` // seconds
}

func DefaultRecommendationSettings() RecommendationSettings {
	return RecommendationSettings{
		EnablePersonalized: true,
		DiversityLevel:     "medium",
		Blend:              "balanced",
		RefreshInterval:    300,
	}
}
