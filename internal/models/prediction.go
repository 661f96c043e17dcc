package models

// Styles are the clothing style labels the model server scores an image against.
var Styles = []string{
	"Casual",
	"Business Casual",
	"Formal",
	"Sport/Activewear",
	"Streetwear",
	"Minimalist",
	"Home wear",
	"Trendy/Fashion-forward",
}

// Prediction is the model server's answer for one image: the two most likely
// styles with confidences in percent, and the image embedding.
type Prediction struct {
	MainStyle           string    `json:"main_style"`
	MainConfidence      float64   `json:"main_confidence"`
	SecondaryStyle      string    `json:"secondary_style"`
	SecondaryConfidence float64   `json:"secondary_confidence"`
	EmbeddingDim        int       `json:"embedding_dim"`
	Embedding           []float32 `json:"embedding"`
}
