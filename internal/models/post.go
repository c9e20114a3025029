// Package models contains data structures for the application's domain models.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PostAuthor is the author snapshot embedded in a post at creation time.
// Username and AvatarURL are a denormalized copy and are not refreshed when
// the profile changes. ID is the author's user id and decides ownership.
type PostAuthor struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// Post is the application shape of a feed entry.
type Post struct {
	ID        string     `json:"id"`
	Author    PostAuthor `json:"author"`
	ImageURL  string     `json:"imageUrl"`
	Caption   string     `json:"caption"`
	Likes     int        `json:"likes"`
	Comments  int        `json:"comments"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// NewPost is the input for creating a post. ImageURL may be a remote URL or
// an inline data: URL that still has to be uploaded.
type NewPost struct {
	Author   PostAuthor `json:"author"`
	ImageURL string     `json:"imageUrl"`
	Caption  string     `json:"caption"`
	Likes    int        `json:"likes"`
	Comments int        `json:"comments"`
}

// PostRow is the flat row stored in the posts table.
type PostRow struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AuthorID        string    `gorm:"size:36;index" json:"author_id"`
	AuthorUsername  string    `gorm:"size:64;not null;index" json:"author_username"`
	AuthorAvatarURL string    `gorm:"type:text" json:"author_avatar_url"`
	ImageURL        string    `gorm:"type:text;not null" json:"image_url"`
	Caption         string    `gorm:"type:text" json:"caption"`
	Likes           int       `gorm:"not null;default:0" json:"likes"`
	Comments        int       `gorm:"not null;default:0" json:"comments"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (PostRow) TableName() string {
	return "posts"
}

// BeforeCreate assigns a UUID when the caller did not supply one.
func (r *PostRow) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RowToPost translates a posts row into the nested Post shape.
func RowToPost(row PostRow) Post {
	p := Post{
		ID: row.ID,
		Author: PostAuthor{
			ID:        row.AuthorID,
			Username:  row.AuthorUsername,
			AvatarURL: row.AuthorAvatarURL,
		},
		ImageURL: row.ImageURL,
		Caption:  row.Caption,
		Likes:    row.Likes,
		Comments: row.Comments,
	}
	if !row.CreatedAt.IsZero() {
		created := row.CreatedAt
		p.CreatedAt = &created
	}
	return p
}

// RowsToPosts translates a slice of rows preserving order.
func RowsToPosts(rows []PostRow) []Post {
	out := make([]Post, 0, len(rows))
	for _, r := range rows {
		out = append(out, RowToPost(r))
	}
	return out
}

// PostToRow flattens a Post into its row shape.
func PostToRow(p Post) PostRow {
	row := PostRow{
		ID:              p.ID,
		AuthorID:        p.Author.ID,
		AuthorUsername:  p.Author.Username,
		AuthorAvatarURL: p.Author.AvatarURL,
		ImageURL:        p.ImageURL,
		Caption:         p.Caption,
		Likes:           p.Likes,
		Comments:        p.Comments,
	}
	if p.CreatedAt != nil {
		row.CreatedAt = *p.CreatedAt
	}
	return row
}

// OwnedBy reports whether userID wrote the post. Posts without a recorded
// author id are owned by nobody.
func (p Post) OwnedBy(userID string) bool {
	return p.Author.ID != "" && p.Author.ID == userID
}

// DecodePostRow translates a raw change-feed record into a Post.
func DecodePostRow(raw json.RawMessage) (Post, error) {
	var row PostRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Post{}, err
	}
	return RowToPost(row), nil
}

// SuggestedUser is an ephemeral follow suggestion. Nothing in this module
// produces one; the type exists so API consumers share the shape.
type SuggestedUser struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	Reason    string `json:"reason"`
}
