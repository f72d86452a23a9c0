// Package catalog loads the read-only deck of bias and mitigation cards.
// The deck is immutable for the lifetime of the process and safe for
// concurrent reads from multiple assessment sessions.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"biasflow/internal/domain"
)

//go:embed deck.yaml
var defaultDeck []byte

const (
	KindBias       = "bias"
	KindMitigation = "mitigation"
)

// Card is one catalogued bias or mitigation technique.
type Card struct {
	ID          string                  `yaml:"id" json:"id"`
	LegacyID    int                     `yaml:"legacy_id" json:"legacy_id,omitempty"`
	Kind        string                  `yaml:"kind" json:"kind"`
	Name        string                  `yaml:"name" json:"name"`
	Category    string                  `yaml:"category" json:"category"`
	Description string                  `yaml:"description" json:"description,omitempty"`
	Stages      []domain.LifecycleStage `yaml:"stages" json:"stages,omitempty"`
}

// Meta identifies a deck. Snapshots are bound to it and the validator treats
// a mismatch as a hard error.
type Meta struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
}

// Catalog is the lookup table the workflow engine and validator consume.
type Catalog struct {
	meta  Meta
	cards []Card
	byID  map[string]Card
	// index maps alternate references (legacy numeric id, lowercased
	// display name) back to the canonical card id.
	index map[string]string
}

type deckFile struct {
	Deck  Meta   `yaml:"deck"`
	Cards []Card `yaml:"cards"`
}

// Default returns the embedded deck.
func Default() (*Catalog, error) {
	return FromYAML(defaultDeck)
}

// FromFile loads a deck from a YAML file.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deck: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates a deck from raw YAML bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var f deckFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid deck yaml: %w", err)
	}
	if f.Deck.ID == "" {
		return nil, fmt.Errorf("deck.id is required")
	}
	if f.Deck.Version == "" {
		return nil, fmt.Errorf("deck.version is required")
	}
	if len(f.Cards) == 0 {
		return nil, fmt.Errorf("deck has no cards")
	}
	c := &Catalog{
		meta:  f.Deck,
		cards: f.Cards,
		byID:  make(map[string]Card, len(f.Cards)),
		index: make(map[string]string, len(f.Cards)*3),
	}
	for _, card := range f.Cards {
		if card.ID == "" {
			return nil, fmt.Errorf("card with empty id in deck %s", f.Deck.ID)
		}
		if card.Kind != KindBias && card.Kind != KindMitigation {
			return nil, fmt.Errorf("card %s has unknown kind %q", card.ID, card.Kind)
		}
		if card.Name == "" {
			return nil, fmt.Errorf("card %s has empty name", card.ID)
		}
		if _, dup := c.byID[card.ID]; dup {
			return nil, fmt.Errorf("duplicate card id %s", card.ID)
		}
		for _, s := range card.Stages {
			if !s.Valid() {
				return nil, fmt.Errorf("card %s references unknown lifecycle stage %s", card.ID, s)
			}
		}
		c.byID[card.ID] = card
		c.index[card.ID] = card.ID
		c.index[strings.ToLower(card.Name)] = card.ID
		if card.LegacyID != 0 {
			key := strconv.Itoa(card.LegacyID)
			if prev, dup := c.index[key]; dup && prev != card.ID {
				return nil, fmt.Errorf("duplicate legacy id %d (%s, %s)", card.LegacyID, prev, card.ID)
			}
			c.index[key] = card.ID
		}
	}
	return c, nil
}

// Metadata returns the deck identity.
func (c *Catalog) Metadata() Meta { return c.meta }

// Get returns the card with the given id.
func (c *Catalog) Get(id string) (Card, bool) {
	card, ok := c.byID[id]
	return card, ok
}

// All returns every card in deck order.
func (c *Catalog) All() []Card {
	out := make([]Card, len(c.cards))
	copy(out, c.cards)
	return out
}

// Biases returns the bias cards in deck order.
func (c *Catalog) Biases() []Card { return c.byKind(KindBias) }

// Mitigations returns the mitigation cards in deck order.
func (c *Catalog) Mitigations() []Card { return c.byKind(KindMitigation) }

func (c *Catalog) byKind(kind string) []Card {
	var out []Card
	for _, card := range c.cards {
		if card.Kind == kind {
			out = append(out, card)
		}
	}
	return out
}

// Resolve maps a legacy reference (canonical slug, legacy numeric id, or
// display name in any case) to a canonical card id. Legacy documents
// referenced cards inconsistently, so imports route every reference through
// here.
func (c *Catalog) Resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if id, ok := c.index[ref]; ok {
		return id, ok
	}
	id, ok := c.index[strings.ToLower(ref)]
	return id, ok
}
