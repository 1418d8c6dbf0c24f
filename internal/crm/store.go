// Package crm keeps contact records and their newsletter subscriptions.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/basket/internal/news"
)

var (
	bucketContacts = []byte("contacts")
	bucketEmails   = []byte("contact_emails")
)

var (
	// ErrNotFound is returned when updating a contact that does not exist
	ErrNotFound = errors.New("contact not found")

	// ErrExists is returned when adding a contact whose token or email is taken
	ErrExists = errors.New("contact already exists")
)

// Contact is a stored contact record
type Contact struct {
	news.UserData
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats contains contact statistics
type Stats struct {
	Contacts    int64            `json:"contacts"`
	Optin       int64            `json:"optin"`
	Optout      int64            `json:"optout"`
	Subscribers map[string]int64 `json:"subscribers"`
}

// Store implements news.UserLookup and news.CRM on BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore creates a contact store using the provided BoltDB instance
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContacts, bucketEmails} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Lookup finds a contact by token, then by email. Returns nil, nil if not found.
func (s *Store) Lookup(ctx context.Context, email, token string) (*news.UserData, error) {
	var user *news.UserData

	err := s.db.View(func(tx *bolt.Tx) error {
		c, err := findContact(tx, email, token)
		if err != nil || c == nil {
			return err
		}
		user = &c.UserData
		return nil
	})

	return user, err
}

// Add stores a new contact
func (s *Store) Add(ctx context.Context, w *news.Write) error {
	if w.Token == "" {
		return fmt.Errorf("token is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		contacts := tx.Bucket(bucketContacts)
		emails := tx.Bucket(bucketEmails)

		if contacts.Get([]byte(w.Token)) != nil {
			return fmt.Errorf("%w: token %s", ErrExists, w.Token)
		}
		if w.Email != "" && emails.Get(emailKey(w.Email)) != nil {
			return fmt.Errorf("%w: email %s", ErrExists, w.Email)
		}

		now := time.Now()
		c := &Contact{CreatedAt: now}
		apply(c, w)
		c.Token = w.Token
		c.UpdatedAt = now

		return putContact(tx, c)
	})
}

// Update merges w into the stored contact matching existing.
// A contact keeps its token once it has one; w.Token only fills a missing token.
func (s *Store) Update(ctx context.Context, existing *news.UserData, w *news.Write) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := findContact(tx, existing.Email, existing.Token)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, existing.Token)
		}

		oldToken, oldEmail := c.Token, c.Email
		apply(c, w)
		if c.Token == "" {
			c.Token = w.Token
		}
		if c.Token == "" {
			return fmt.Errorf("token is required")
		}
		c.UpdatedAt = time.Now()

		emails := tx.Bucket(bucketEmails)
		if !strings.EqualFold(oldEmail, c.Email) {
			if taken := emails.Get(emailKey(c.Email)); taken != nil && string(taken) != oldToken {
				return fmt.Errorf("%w: email %s", ErrExists, c.Email)
			}
			if oldEmail != "" {
				if err := emails.Delete(emailKey(oldEmail)); err != nil {
					return err
				}
			}
		}
		return putContact(tx, c)
	})
}

// Get retrieves a full contact by token. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, token string) (*Contact, error) {
	var contact *Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		c, err := findContact(tx, "", token)
		contact = c
		return err
	})

	return contact, err
}

// Stats returns contact statistics
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Subscribers: make(map[string]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContacts).ForEach(func(k, v []byte) error {
			var c Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			stats.Contacts++
			if c.Optin {
				stats.Optin++
			}
			if c.Optout {
				stats.Optout++
			}
			for _, slug := range c.Newsletters {
				stats.Subscribers[slug]++
			}
			return nil
		})
	})

	return stats, err
}

func findContact(tx *bolt.Tx, email, token string) (*Contact, error) {
	contacts := tx.Bucket(bucketContacts)

	var data []byte
	if token != "" {
		data = contacts.Get([]byte(token))
	}
	if data == nil && email != "" {
		if t := tx.Bucket(bucketEmails).Get(emailKey(email)); t != nil {
			data = contacts.Get(t)
		}
	}
	if data == nil {
		return nil, nil
	}

	c := &Contact{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contact: %w", err)
	}
	return c, nil
}

func putContact(tx *bolt.Tx, c *Contact) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}
	if err := tx.Bucket(bucketContacts).Put([]byte(c.Token), data); err != nil {
		return fmt.Errorf("failed to store contact: %w", err)
	}
	if c.Email != "" {
		if err := tx.Bucket(bucketEmails).Put(emailKey(c.Email), []byte(c.Token)); err != nil {
			return fmt.Errorf("failed to index email: %w", err)
		}
	}
	return nil
}

// apply merges the non-empty fields of w and its newsletter delta into c
func apply(c *Contact, w *news.Write) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Email, w.Email)
	set(&c.Format, w.Format)
	set(&c.Country, w.Country)
	set(&c.Lang, w.Lang)
	set(&c.FirstName, w.FirstName)
	set(&c.LastName, w.LastName)
	set(&c.SourceURL, w.SourceURL)

	if w.Optin != nil {
		c.Optin = *w.Optin
	}
	if w.Optout != nil {
		c.Optout = *w.Optout
	}

	subscribed := make(map[string]bool, len(c.Newsletters))
	for _, slug := range c.Newsletters {
		subscribed[slug] = true
	}
	for slug, on := range w.Newsletters {
		if on {
			subscribed[slug] = true
		} else {
			delete(subscribed, slug)
		}
	}
	c.Newsletters = make([]string, 0, len(subscribed))
	for slug := range subscribed {
		c.Newsletters = append(c.Newsletters, slug)
	}
	sort.Strings(c.Newsletters)
}

func emailKey(email string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(email)))
}
