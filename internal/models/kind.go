package models

// Kind distinguishes the two branches of the class taxonomy.
type Kind string

const (
	KindDisease Kind = "disease"
	KindPest    Kind = "pest"
)

// VerdictForKind maps a taxonomy kind onto the matching result verdict.
func VerdictForKind(k Kind) Verdict {
	if k == KindPest {
		return VerdictPest
	}
	return VerdictDisease
}
