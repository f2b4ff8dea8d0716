package profile

// Profile is the structured view of a person in the contact directory:
// who they are, what they care about, and how to reach them. Profiles
// are owned by the directory; the matching and outreach layers treat
// them as read-only values.
type Profile struct {
	UserID    string   `json:"user_id"`
	Name      string   `json:"name"`
	Interests []string `json:"interests"`
	Industry  string   `json:"industry"`
	Role      string   `json:"role"`
	Seniority string   `json:"seniority"`
	Goals     []string `json:"goals"`
	Contact   Contact  `json:"contact"`
}

// Contact holds the reachable endpoints for a person. Either field may
// be empty; outreach picks the first available channel.
type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// HasPhone reports whether the profile can be reached over the
// messaging channel.
func (p Profile) HasPhone() bool { return p.Contact.Phone != "" }

// HasEmail reports whether the profile can be reached over email.
func (p Profile) HasEmail() bool { return p.Contact.Email != "" }
