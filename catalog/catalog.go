// Copyright 2021-2022 The tdstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alwitt/tdstream/common"
)

// SubscriptionSpec a feed definition with every modifier applied
type SubscriptionSpec struct {
	Feed Feed `json:"feed"`
	// Service is the concrete wire service name
	Service string `json:"service"`
	// Command is the wire command verb
	Command string `json:"command"`
	// ID is the subscription id, which is also the key data frames are routed by
	ID string `json:"id"`
	// Fields positional schema used to decode records delivered under ID
	Fields []string `json:"fields"`
	// DefaultFields field indices requested when the caller names none
	DefaultFields []int `json:"default_fields"`
}

// SubscriptionKey the routing key of a data frame
func SubscriptionKey(service, command string) string {
	return fmt.Sprintf("%s-%s", service, command)
}

// Catalog maps feed names to wire level subscription specs
type Catalog struct {
	feeds map[Feed]FeedDefinition
	byKey map[string]SubscriptionSpec
}

// New define a catalog from a set of feed definitions
func New(defs ...FeedDefinition) (*Catalog, error) {
	instance := &Catalog{
		feeds: make(map[Feed]FeedDefinition),
		byKey: make(map[string]SubscriptionSpec),
	}
	for _, def := range defs {
		if _, ok := instance.feeds[def.Feed]; ok {
			return nil, fmt.Errorf("feed %s defined twice", def.Feed)
		}
		if len(def.Fields) == 0 {
			return nil, fmt.Errorf("feed %s has no field schema", def.Feed)
		}
		instance.feeds[def.Feed] = def
		for _, spec := range expandVariants(def) {
			if existing, ok := instance.byKey[spec.ID]; ok {
				return nil, fmt.Errorf(
					"subscription key %s claimed by both %s and %s", spec.ID, existing.Feed, spec.Feed,
				)
			}
			instance.byKey[spec.ID] = spec
		}
	}
	return instance, nil
}

var defaultCatalog *Catalog

func init() {
	defs := make([]FeedDefinition, 0, len(definitions))
	for _, def := range definitions {
		defs = append(defs, def)
	}
	var err error
	if defaultCatalog, err = New(defs...); err != nil {
		panic(err)
	}
}

// Default the built-in catalog of streaming feeds
func Default() *Catalog {
	return defaultCatalog
}

// Feeds all registered feed names, sorted
func (c *Catalog) Feeds() []Feed {
	result := make([]Feed, 0, len(c.feeds))
	for feed := range c.feeds {
		result = append(result, feed)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Definition fetch the static definition of a feed
func (c *Catalog) Definition(feed Feed) (FeedDefinition, error) {
	def, ok := c.feeds[feed]
	if !ok {
		return FeedDefinition{}, fmt.Errorf("%w %q", common.ErrUnknownFeed, feed)
	}
	return def, nil
}

// Resolve apply the caller's modifiers to a feed definition.
//
// Every modifier the feed declares must be present in modifiers, with a value the
// modifier knows a wire token for. Values are matched case-insensitively.
func (c *Catalog) Resolve(feed Feed, modifiers map[string]string) (SubscriptionSpec, error) {
	def, err := c.Definition(feed)
	if err != nil {
		return SubscriptionSpec{}, err
	}
	chosen := make([]Variant, 0, len(def.Modifiers))
	for _, mod := range def.Modifiers {
		value, ok := modifiers[mod.Name]
		if !ok || value == "" {
			return SubscriptionSpec{}, fmt.Errorf(
				"%w: feed %s requires %q (one of %s)",
				common.ErrMissingModifier, feed, mod.Name, strings.Join(mod.acceptedValues(), ", "),
			)
		}
		variant, ok := mod.Variants[strings.ToLower(value)]
		if !ok {
			return SubscriptionSpec{}, fmt.Errorf(
				"%w: feed %s has no %q variant %q (one of %s)",
				common.ErrMissingModifier, feed, mod.Name, value, strings.Join(mod.acceptedValues(), ", "),
			)
		}
		chosen = append(chosen, variant)
	}
	return assemble(def, chosen), nil
}

// Lookup find the spec which decodes data delivered under a subscription key
func (c *Catalog) Lookup(key string) (SubscriptionSpec, bool) {
	spec, ok := c.byKey[key]
	return spec, ok
}

// assemble build the concrete spec from a definition and one variant per modifier
func assemble(def FeedDefinition, chosen []Variant) SubscriptionSpec {
	service := def.Service
	fields := def.Fields
	defaultFields := def.DefaultFields
	for _, variant := range chosen {
		service = fmt.Sprintf("%s_%s", service, variant.Token)
		if len(variant.Fields) > 0 {
			fields = variant.Fields
		}
		if len(variant.DefaultFields) > 0 {
			defaultFields = variant.DefaultFields
		}
	}
	return SubscriptionSpec{
		Feed:          def.Feed,
		Service:       service,
		Command:       def.Command,
		ID:            SubscriptionKey(service, def.Command),
		Fields:        fields,
		DefaultFields: defaultFields,
	}
}

// expandVariants every concrete spec a definition can resolve to
func expandVariants(def FeedDefinition) []SubscriptionSpec {
	combos := [][]Variant{{}}
	for _, mod := range def.Modifiers {
		next := make([][]Variant, 0, len(combos)*len(mod.Variants))
		for _, combo := range combos {
			for _, value := range mod.acceptedValues() {
				extended := append(append([]Variant{}, combo...), mod.Variants[value])
				next = append(next, extended)
			}
		}
		combos = next
	}
	result := make([]SubscriptionSpec, 0, len(combos))
	for _, combo := range combos {
		result = append(result, assemble(def, combo))
	}
	return result
}

// acceptedValues sorted caller values of a modifier
func (m Modifier) acceptedValues() []string {
	result := make([]string, 0, len(m.Variants))
	for value := range m.Variants {
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
