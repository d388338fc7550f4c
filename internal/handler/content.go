package handler

type feature struct {
	Title       string
	Description string
}

type review struct {
	Name   string
	Role   string
	Rating int
	Text   string
}

var homeFeatures = []feature{
	{
		Title:       "Pixel-Perfect Restoration",
		Description: "Every window returns exactly where you left it. No guessing, no manual adjustments, just perfect placement every time.",
	},
	{
		Title:       "Content Aware",
		Description: "Automatically re-opens browser tabs (Chrome/Safari) and specific documents. Your exact workflow, instantly restored.",
	},
	{
		Title:       "Context Switching",
		Description: "Move from 'Deep Work' to 'Communication' mode in seconds. Switch between complete workspace setups with one click.",
	},
}

var homeReviews = []review{
	{Name: "Sarah Chen", Role: "Product Designer", Rating: 5, Text: "Flows has completely transformed how I manage my browser tabs. The global shortcuts are a game-changer for my workflow."},
	{Name: "Michael Rodriguez", Role: "Software Engineer", Rating: 5, Text: "Finally, a way to organize my 50+ tabs without losing my mind. The color-coding and custom icons make everything so intuitive."},
	{Name: "Emily Thompson", Role: "Marketing Manager", Rating: 5, Text: "I love being able to restore my exact workspace with one click. It saves me at least 30 minutes every morning."},
	{Name: "David Park", Role: "Freelance Writer", Rating: 5, Text: "The 7-day trial convinced me immediately. Flows is worth every penny for the productivity boost alone."},
	{Name: "Jessica Liu", Role: "UX Researcher", Rating: 5, Text: "Beautifully designed and incredibly functional. This is how browser tab management should work."},
	{Name: "Alex Turner", Role: "Data Analyst", Rating: 5, Text: "The document tracking feature is perfect for research projects. No more losing important tabs in the chaos."},
}
