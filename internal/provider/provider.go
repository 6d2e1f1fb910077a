// Package provider names the infrastructure providers qhub can deploy to and
// models which of them a stage supports.
package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Name identifies an infrastructure provider.
type Name string

const (
	// Local deploys onto an existing (kind/minikube/any) cluster.
	Local Name = "local"
	// GCP is Google Cloud Platform.
	GCP Name = "gcp"
	// DigitalOcean is DigitalOcean.
	DigitalOcean Name = "do"
	// AWS is Amazon Web Services.
	AWS Name = "aws"
	// Azure is Microsoft Azure.
	Azure Name = "azure"
)

var known = []Name{Local, GCP, DigitalOcean, AWS, Azure}

// Known returns every supported provider in a stable order.
func Known() []Name {
	out := make([]Name, len(known))
	copy(out, known)
	return out
}

// Parse converts user input into a provider Name.
func Parse(value string) (Name, error) {
	v := Name(strings.ToLower(strings.TrimSpace(value)))
	for _, n := range known {
		if n == v {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (valid: %s)", value, strings.Join(names(known), ", "))
}

// IsCloud reports whether the provider provisions its own cluster.
func (n Name) IsCloud() bool {
	return n != Local && n != ""
}

func (n Name) String() string { return string(n) }

// Set is a capability set: the providers a stage is valid for.
type Set map[Name]struct{}

// NewSet builds a Set from the given providers.
func NewSet(names ...Name) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// All is the set of every known provider.
func All() Set { return NewSet(known...) }

// Cloud is the set of every provider except Local.
func Cloud() Set { return NewSet(GCP, DigitalOcean, AWS, Azure) }

// Has reports membership.
func (s Set) Has(n Name) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the members in the canonical provider order.
func (s Set) Sorted() []Name {
	out := make([]Name, 0, len(s))
	for _, n := range known {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	var extra []Name
	for n := range s {
		if !contains(known, n) {
			extra = append(extra, n)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

func (s Set) String() string {
	return strings.Join(names(s.Sorted()), ",")
}

func names(in []Name) []string {
	out := make([]string, len(in))
	for i, n := range in {
		out[i] = string(n)
	}
	return out
}

func contains(list []Name, n Name) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
