package oracle

import "verdant/internal/domain"

// Fallback returns the static general-care diagnosis used when the oracle
// cannot be consulted. Substituting it is the caller's decision, not a retry.
func Fallback() *domain.DiagnosisResult {
	return &domain.DiagnosisResult{
		PlantName:  "Plant",
		Confidence: 0.70,
		Issues: []domain.Issue{{
			Name:        "General Plant Care",
			Severity:    domain.SeverityLow,
			Description: "AI analysis temporarily unavailable - showing general care tips",
		}},
		Recommendations: []domain.Recommendation{
			{Action: "Water when top inch of soil is dry", Timeline: "Check daily", Priority: 1},
			{Action: "Provide appropriate light for this plant type", Timeline: "Ongoing", Priority: 2},
			{Action: "Check for common pests (aphids, mealybugs, spider mites)", Timeline: "Weekly", Priority: 3},
			{Action: "Fertilize with balanced plant food", Timeline: "Monthly", Priority: 4},
		},
		CareTips: []domain.CareTip{
			{Icon: "general", Title: "Monitor Daily", Description: "Check your plant at the same time each day to catch early warning signs."},
			{Icon: "water", Title: "Water Wisely", Description: "Most plants prefer to dry out slightly between waterings."},
			{Icon: "light", Title: "Light Requirements", Description: "Ensure your plant gets appropriate light for its species."},
			{Icon: "temperature", Title: "Temperature", Description: "Most houseplants prefer temperatures between 65-75F."},
		},
	}
}
