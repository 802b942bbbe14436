package activitypub

// VerbKind is the closed set of activity types the node handles.
type VerbKind string

const (
	VerbCreate      VerbKind = "Create"
	VerbUpdate      VerbKind = "Update"
	VerbDelete      VerbKind = "Delete"
	VerbUndo        VerbKind = "Undo"
	VerbFollow      VerbKind = "Follow"
	VerbAccept      VerbKind = "Accept"
	VerbReject      VerbKind = "Reject"
	VerbAnnounce    VerbKind = "Announce"
	VerbLike        VerbKind = "Like"
	VerbDislike     VerbKind = "Dislike"
	VerbUnsupported VerbKind = "Unsupported"
)

var verbs = map[string]VerbKind{
	"Create":   VerbCreate,
	"Update":   VerbUpdate,
	"Delete":   VerbDelete,
	"Undo":     VerbUndo,
	"Follow":   VerbFollow,
	"Accept":   VerbAccept,
	"Reject":   VerbReject,
	"Announce": VerbAnnounce,
	"Like":     VerbLike,
	"Dislike":  VerbDislike,
}

// ParseVerb maps a wire type to a VerbKind. Unknown types map to
// VerbUnsupported rather than failing.
func ParseVerb(s string) VerbKind {
	if v, ok := verbs[s]; ok {
		return v
	}
	return VerbUnsupported
}

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	Public                 = "https://www.w3.org/ns/activitystreams#Public"

	ContentType   = "application/activity+json"
	LDContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// object types on the wire
const (
	typePerson      = "Person"
	typeGroup       = "Group"
	typeService     = "Service"
	typeApplication = "Application"
	typePage        = "Page"
	typeArticle     = "Article"
	typeVideo       = "Video"
	typeNote        = "Note"
	typeChatMessage = "ChatMessage"
	typeTombstone   = "Tombstone"
)
