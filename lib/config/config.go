// Package config implements the INI-like store used for a layer's
// config.ini: a flat set of top-level scalars plus bracketed sections of
// their own scalars, both insertion-ordered so a parse-then-write round trip
// reproduces the original file shape.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/podder-project/podder/lib/errs"
)

// section holds one bracketed section's scalars, insertion-ordered.
type section struct {
	order []string
	vals  map[string]string
}

func newSection() *section {
	return &section{vals: make(map[string]string)}
}

func (s *section) set(key, value string) {
	if _, ok := s.vals[key]; !ok {
		s.order = append(s.order, key)
	}
	s.vals[key] = value
}

// Keys returns the section's keys in insertion order.
func (s *section) Keys() []string {
	return append([]string(nil), s.order...)
}

// entry is either a scalar string or a nested section, tagged by isSection.
type entry struct {
	isSection bool
	scalar    string
	sect      *section
}

// Config is a parsed config.ini: an ordered sequence of top-level keys, each
// holding either a scalar or a section.
type Config struct {
	order   []string
	entries map[string]*entry
}

// New returns an empty Config.
func New() *Config {
	return &Config{entries: make(map[string]*entry)}
}

// Parse reads an INI document from r. Lines are trimmed; blank lines and
// lines starting with '#' or ';' are comments. A line starting with '[' or
// ending with ']' opens (or reopens) a section. Any other line must contain
// '=' and assigns a scalar within the current section, or at the top level
// before any section header.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	cur := "" // current section name, "" means top level

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case len(line) == 0 || line[0] == '#' || line[0] == ';':
			continue

		case line[0] == '[' || strings.HasSuffix(line, "]"):
			name := line
			if len(name) >= 1 && name[0] == '[' {
				name = name[1:]
			}
			name = strings.TrimSuffix(name, "]")
			cur = name

			if e, ok := c.entries[name]; ok {
				if !e.isSection {
					return nil, errs.New(errs.KindConfigParse,
						fmt.Sprintf("[%s] already present as regular key", name))
				}
				continue
			}
			c.entries[name] = &entry{isSection: true, sect: newSection()}
			c.order = append(c.order, name)

		case strings.Contains(line, "="):
			parts := strings.SplitN(line, "=", 2)
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])

			if cur != "" {
				e := c.entries[cur]
				e.sect.set(key, value)
				continue
			}
			c.setScalar(key, value)

		default:
			return nil, errs.New(errs.KindConfigParse, fmt.Sprintf("could not parse the line %q", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConfigParse, "reading config", err)
	}
	return c, nil
}

func (c *Config) setScalar(key, value string) {
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = &entry{scalar: value}
}

// Set assigns a top-level scalar, overwriting any existing scalar or
// section stored under key — matching the reference parser, which performs
// no type check on plain assignment.
func (c *Config) Set(key, value string) {
	c.setScalar(key, value)
}

// Get returns a top-level scalar value.
func (c *Config) Get(key string) (string, bool) {
	e, ok := c.entries[key]
	if !ok || e.isSection {
		return "", false
	}
	return e.scalar, true
}

// SetIn assigns key=value within the named section, creating the section if
// it does not already exist.
func (c *Config) SetIn(sectionName, key, value string) {
	e, ok := c.entries[sectionName]
	if !ok {
		e = &entry{isSection: true, sect: newSection()}
		c.entries[sectionName] = e
		c.order = append(c.order, sectionName)
	} else if !e.isSection {
		e = &entry{isSection: true, sect: newSection()}
		c.entries[sectionName] = e
	}
	e.sect.set(key, value)
}

// ReplaceSection replaces the named section wholesale with the given keys
// (in the given order) and values, discarding anything previously stored
// under that name whether scalar or section.
func (c *Config) ReplaceSection(name string, keys []string, vals map[string]string) {
	s := newSection()
	for _, k := range keys {
		s.set(k, vals[k])
	}
	if _, ok := c.entries[name]; !ok {
		c.order = append(c.order, name)
	}
	c.entries[name] = &entry{isSection: true, sect: s}
}

// Delete removes a top-level key (scalar or section) if present.
func (c *Config) Delete(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Section returns the named section's keys in insertion order, or false if
// it does not exist or is a scalar.
func (c *Config) Section(name string) (map[string]string, []string, bool) {
	e, ok := c.entries[name]
	if !ok || !e.isSection {
		return nil, nil, false
	}
	return e.sect.vals, e.sect.Keys(), true
}

// HasSection reports whether name refers to an existing section.
func (c *Config) HasSection(name string) bool {
	e, ok := c.entries[name]
	return ok && e.isSection
}

// Keys returns the top-level keys (scalars and section names interleaved)
// in insertion order.
func (c *Config) Keys() []string {
	return append([]string(nil), c.order...)
}

// Write serializes the config back to INI form: all top-level scalars
// first (in their original relative order), then each section header
// followed by its scalars, in section-original relative order.
func (c *Config) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	for _, key := range c.order {
		e := c.entries[key]
		if e.isSection {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s = %s\n", key, e.scalar); err != nil {
			return err
		}
	}

	for _, name := range c.order {
		e := c.entries[name]
		if !e.isSection {
			continue
		}
		if _, err := fmt.Fprintf(bw, "\n[%s]\n", name); err != nil {
			return err
		}
		for _, key := range e.sect.order {
			if _, err := fmt.Fprintf(bw, "%s = %s\n", key, e.sect.vals[key]); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}
