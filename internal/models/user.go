package models

// User is a profile stored at users/{identifier}. Likes holds the ids of the
// users who liked this one.
type User struct {
	Identifier    string                     `json:"identifier"`
	Email         string                     `json:"email"`
	Name          string                     `json:"name"`
	ImageURL      string                     `json:"imageUrl"`
	Position      string                     `json:"position"`
	Description   string                     `json:"description,omitempty"`
	BirthDate     string                     `json:"birthDate,omitempty"`
	City          string                     `json:"city,omitempty"`
	Education     string                     `json:"education,omitempty"`
	Company       string                     `json:"company,omitempty"`
	Employment    string                     `json:"employment,omitempty"`
	Likes         []string                   `json:"likes,omitempty"`
	Matches       []string                   `json:"matches,omitempty"`
	Conversations map[string]ConversationRef `json:"conversations,omitempty"`
	PushToken     *PushToken                 `json:"pushToken,omitempty"`
}

// LikedBy reports whether id appears in the user's likes.
func (u *User) LikedBy(id string) bool {
	return contains(u.Likes, id)
}

// MatchedWith reports whether id appears in the user's matches.
func (u *User) MatchedWith(id string) bool {
	return contains(u.Matches, id)
}

// PublicUser is what other users get to see of a profile.
type PublicUser struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	ImageURL    string `json:"imageUrl"`
	Position    string `json:"position"`
	Description string `json:"description,omitempty"`
	BirthDate   string `json:"birthDate,omitempty"`
	City        string `json:"city,omitempty"`
	Education   string `json:"education,omitempty"`
	Company     string `json:"company,omitempty"`
	Employment  string `json:"employment,omitempty"`
}

// Public drops the contact details, swipe state, conversation index and push
// token.
func (u *User) Public() *PublicUser {
	return &PublicUser{
		Identifier:  u.Identifier,
		Name:        u.Name,
		ImageURL:    u.ImageURL,
		Position:    u.Position,
		Description: u.Description,
		BirthDate:   u.BirthDate,
		City:        u.City,
		Education:   u.Education,
		Company:     u.Company,
		Employment:  u.Employment,
	}
}

// Profile holds the fields a user may edit about themselves.
type Profile struct {
	Name        string `json:"name" form:"name" binding:"required,max=100"`
	Position    string `json:"position" form:"position" binding:"max=100"`
	Description string `json:"description" form:"description" binding:"max=1000"`
	BirthDate   string `json:"birthDate" form:"birthDate" binding:"max=32"`
	City        string `json:"city" form:"city" binding:"max=100"`
	Education   string `json:"education" form:"education" binding:"max=200"`
	Company     string `json:"company" form:"company" binding:"max=200"`
	Employment  string `json:"employment" form:"employment" binding:"max=100"`
}

// Apply copies the editable fields onto u.
func (p Profile) Apply(u *User) {
	u.Name = p.Name
	u.Position = p.Position
	u.Description = p.Description
	u.BirthDate = p.BirthDate
	u.City = p.City
	u.Education = p.Education
	u.Company = p.Company
	u.Employment = p.Employment
}

const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

type PushToken struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"required,oneof=ios android"`
}

// Credentials is stored at credentials/{emailKey} for locally registered users.
type Credentials struct {
	UID          string `json:"uid"`
	PasswordHash string `json:"passwordHash"`
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// Without returns list minus every occurrence of id.
func Without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
