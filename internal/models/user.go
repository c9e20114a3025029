package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContactValue is a single contact entry with its visibility flag.
type ContactValue struct {
	Value    string `json:"value"`
	IsPublic bool   `json:"isPublic"`
}

// MessagingContact is a messaging handle on some platform.
type MessagingContact struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
	IsPublic bool   `json:"isPublic"`
}

// Contacts groups the optional contact details of a profile.
type Contacts struct {
	Website   *ContactValue     `json:"website,omitempty"`
	Phone     *ContactValue     `json:"phone,omitempty"`
	Messaging *MessagingContact `json:"messaging,omitempty"`
}

// User is the application shape of a profile.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Contacts  *Contacts `json:"contacts,omitempty"`
}

// PublicView returns a copy with contacts that are not marked public removed.
func (u User) PublicView() User {
	out := u
	out.Contacts = nil
	if u.Contacts == nil {
		return out
	}
	c := &Contacts{}
	if u.Contacts.Website != nil && u.Contacts.Website.IsPublic {
		w := *u.Contacts.Website
		c.Website = &w
	}
	if u.Contacts.Phone != nil && u.Contacts.Phone.IsPublic {
		p := *u.Contacts.Phone
		c.Phone = &p
	}
	if u.Contacts.Messaging != nil && u.Contacts.Messaging.IsPublic {
		m := *u.Contacts.Messaging
		c.Messaging = &m
	}
	if c.Website != nil || c.Phone != nil || c.Messaging != nil {
		out.Contacts = c
	}
	return out
}

// UserRow is the flat row stored in the users table.
type UserRow struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username          string    `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Email             string    `gorm:"size:255" json:"email"`
	AvatarURL         string    `gorm:"type:text" json:"avatar_url"`
	Bio               string    `gorm:"type:text" json:"bio"`
	WebsiteURL        string    `gorm:"type:text" json:"website_url"`
	WebsitePublic     bool      `gorm:"not null;default:false" json:"website_public"`
	Phone             string    `gorm:"size:64" json:"phone"`
	PhonePublic       bool      `gorm:"not null;default:false" json:"phone_public"`
	MessagingPlatform string    `gorm:"size:64" json:"messaging_platform"`
	MessagingUsername string    `gorm:"size:128" json:"messaging_username"`
	MessagingPublic   bool      `gorm:"not null;default:false" json:"messaging_public"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (UserRow) TableName() string {
	return "users"
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (r *UserRow) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RowToUser translates a users row into the nested User shape. Contact
// columns always produce entries, empty and private when unset.
func RowToUser(row UserRow) User {
	return User{
		ID:        row.ID,
		Username:  row.Username,
		Email:     row.Email,
		AvatarURL: row.AvatarURL,
		Bio:       row.Bio,
		Contacts: &Contacts{
			Website: &ContactValue{Value: row.WebsiteURL, IsPublic: row.WebsitePublic},
			Phone:   &ContactValue{Value: row.Phone, IsPublic: row.PhonePublic},
			Messaging: &MessagingContact{
				Platform: row.MessagingPlatform,
				Username: row.MessagingUsername,
				IsPublic: row.MessagingPublic,
			},
		},
	}
}

// UserToRow flattens a User into its row shape.
func UserToRow(u User) UserRow {
	row := UserRow{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
		Bio:       u.Bio,
	}
	if c := u.Contacts; c != nil {
		if c.Website != nil {
			row.WebsiteURL, row.WebsitePublic = c.Website.Value, c.Website.IsPublic
		}
		if c.Phone != nil {
			row.Phone, row.PhonePublic = c.Phone.Value, c.Phone.IsPublic
		}
		if c.Messaging != nil {
			row.MessagingPlatform = c.Messaging.Platform
			row.MessagingUsername = c.Messaging.Username
			row.MessagingPublic = c.Messaging.IsPublic
		}
	}
	return row
}

// ProfileUpdate is a partial profile change expressed in application field
// names. Nil fields are left untouched.
type ProfileUpdate struct {
	Username  *string   `json:"username,omitempty"`
	Email     *string   `json:"email,omitempty"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	Contacts  *Contacts `json:"contacts,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return len(u.Columns()) == 0
}

// Columns maps the update onto users table columns.
func (u ProfileUpdate) Columns() map[string]any {
	cols := make(map[string]any)
	if u.Username != nil {
		cols["username"] = *u.Username
	}
	if u.Email != nil {
		cols["email"] = *u.Email
	}
	if u.AvatarURL != nil {
		cols["avatar_url"] = *u.AvatarURL
	}
	if u.Bio != nil {
		cols["bio"] = *u.Bio
	}
	if c := u.Contacts; c != nil {
		if c.Website != nil {
			cols["website_url"] = c.Website.Value
			cols["website_public"] = c.Website.IsPublic
		}
		if c.Phone != nil {
			cols["phone"] = c.Phone.Value
			cols["phone_public"] = c.Phone.IsPublic
		}
		if c.Messaging != nil {
			cols["messaging_platform"] = c.Messaging.Platform
			cols["messaging_username"] = c.Messaging.Username
			cols["messaging_public"] = c.Messaging.IsPublic
		}
	}
	return cols
}

// Apply merges the update into a copy of u.
func (u ProfileUpdate) Apply(user User) User {
	out := user
	if u.Username != nil {
		out.Username = *u.Username
	}
	if u.Email != nil {
		out.Email = *u.Email
	}
	if u.AvatarURL != nil {
		out.AvatarURL = *u.AvatarURL
	}
	if u.Bio != nil {
		out.Bio = *u.Bio
	}
	if u.Contacts != nil {
		merged := Contacts{}
		if user.Contacts != nil {
			merged = *user.Contacts
		}
		if u.Contacts.Website != nil {
			merged.Website = u.Contacts.Website
		}
		if u.Contacts.Phone != nil {
			merged.Phone = u.Contacts.Phone
		}
		if u.Contacts.Messaging != nil {
			merged.Messaging = u.Contacts.Messaging
		}
		out.Contacts = &merged
	}
	return out
}
