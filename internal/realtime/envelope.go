package realtime

// Frame types exchanged over the signaling socket.
const (
	TypeConnection       = "CONNECTION"
	TypeCallOffer        = "CALL_OFFER"
	TypeAnswerOffer      = "ANSWER_OFFER"
	TypeUserBusy         = "USER_BUSY"
	TypeCallCanceled     = "CALL_CANCELED"
	TypeNoAnswer         = "NO_ANSWER"
	TypeUserOffline      = "USER_OFFLINE"
	TypeUnauthenticated  = "UNAUTHENTICATED"
	TypeOnline           = "ONLINE"
	TypeTyping           = "TYPING"
	TypeSeenConversation = "SEEN_CONVERSATION"

	// UploadPrefix marks frames that request an upload claim.
	UploadPrefix = "UPLOAD_"
)

// Envelope is the JSON frame carried in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	ClaimID string `json:"claimId,omitempty"`
}
