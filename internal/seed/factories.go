// Package seed creates demo users and posts for development. Everything is
// written through the same sign-up, profile and post functions the
// application uses, so seeded data looks exactly like real data.
package seed

import (
	"fmt"
	"strings"
	"time"

	"fireframe/internal/models"
	"fireframe/internal/validation"

	"github.com/brianvoe/gofakeit/v6"
)

// UserSpec is a demo account before it is signed up.
type UserSpec struct {
	Email    string
	Username string
	Bio      string
	Contacts *models.Contacts
}

// Factory builds demo entities. Every user index draws from its own random
// streams derived from the seed, so the n-th user and its posts come out
// the same no matter which other users were built or skipped.
type Factory struct {
	seed int64
}

// NewFactory creates a Factory. A zero seed picks a random one.
func NewFactory(opts Options) *Factory {
	seed := opts.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Factory{seed: seed}
}

const (
	userStream = iota
	postStream
)

func (f *Factory) faker(n, stream int) *gofakeit.Faker {
	return gofakeit.New(f.seed*31 + int64(n)*2 + int64(stream))
}

// BuildUser returns the n-th demo account. The index is folded into the
// username so specs built in one run never collide.
func (f *Factory) BuildUser(n int) UserSpec {
	faker := f.faker(n, userStream)
	first, last := faker.FirstName(), faker.LastName()
	suffix := fmt.Sprintf("_%d", n)
	base := strings.ToLower(validation.UsernameFromHint(first + "_" + last))
	if limit := 30 - len(suffix); len(base) > limit {
		base = base[:limit]
	}
	if len(base) < 3 {
		base = "user"
	}
	username := base + suffix

	return UserSpec{
		Email:    username + "@example.com",
		Username: username,
		Bio:      faker.Sentence(faker.Number(6, 14)),
		Contacts: &models.Contacts{
			Website: &models.ContactValue{Value: "https://" + faker.DomainName(), IsPublic: faker.Bool()},
			Phone:   &models.ContactValue{Value: faker.Phone(), IsPublic: false},
			Messaging: &models.MessagingContact{
				Platform: faker.RandomString([]string{"signal", "telegram", "whatsapp"}),
				Username: username,
				IsPublic: faker.Bool(),
			},
		},
	}
}

// BuildPosts returns count posts for the n-th demo account, written by
// author.
func (f *Factory) BuildPosts(n int, author models.User, count int) []models.NewPost {
	faker := f.faker(n, postStream)
	out := make([]models.NewPost, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, models.NewPost{
			Author:   models.PostAuthor{ID: author.ID, Username: author.Username, AvatarURL: author.AvatarURL},
			ImageURL: fmt.Sprintf("https://picsum.photos/seed/%s/800/800", faker.UUID()),
			Caption:  faker.Sentence(faker.Number(3, 12)),
		})
	}
	return out
}
