package billing

// estimateTokens approximates a token count as one token per four characters.
// It is a last-resort fallback used only when the provider returns no usage
// metadata; callers must flag it in logs because it is the sole source of
// billing disagreement risk.
func estimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
