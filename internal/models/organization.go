package models

// Membership roles within an organization.
const (
	MemberRoleOwner  = "owner"
	MemberRoleMember = "member"
)

// Organization owns hosts and grants its members the right to connect to them.
type Organization struct {
	BaseModel

	Name        string `gorm:"not null;uniqueIndex" json:"name"`
	Description string `json:"description"`

	Members []Membership `gorm:"foreignKey:OrgID" json:"members,omitempty"`
	Hosts   []Host       `gorm:"foreignKey:OrgID" json:"hosts,omitempty"`
}

// Membership links an externally authenticated user to an organization.
type Membership struct {
	BaseModel

	OrgID  string `gorm:"type:varchar(36);not null;uniqueIndex:idx_membership_user" json:"org_id"`
	UserID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_membership_user;index" json:"user_id"`
	Role   string `gorm:"type:varchar(16);not null;default:member" json:"role"`
}
