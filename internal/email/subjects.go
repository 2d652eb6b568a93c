package email

const (
	subjectStaleMattersFmt = "[LawFlow] %d matters stalled in their stage"
	subjectTokenFailure    = "[LawFlow] Clio token refresh failed"
)
