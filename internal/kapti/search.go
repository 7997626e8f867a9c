package kapti

import (
	"sort"
	"strings"
)

// SearchResult is one match of Search.
type SearchResult struct {
	Name      string
	Version   string
	Summary   string
	Installed bool
	Score     int
}

// scoreTerm ranks how well term matches name; lower is better.
//
//	1 exact match
//	2 name starts with term
//	3 name ends with term
//	4 name contains term
//	5 only the summary or description matches
func scoreTerm(term, name string) int {
	switch {
	case term == name:
		return 1
	case strings.HasPrefix(name, term):
		return 2
	case strings.HasSuffix(name, term):
		return 3
	case strings.Contains(name, term):
		return 4
	}
	return 5
}

// searchScore multiplies the score of every term.
func searchScore(terms []string, name string) int {
	score := 1
	for _, t := range terms {
		score *= scoreTerm(t, name)
	}
	return score
}

func matchesAll(terms []string, p *Package) bool {
	name := strings.ToLower(p.Name)
	var text string
	if p.Candidate != nil {
		text = strings.ToLower(p.Candidate.Summary + "\n" + p.Candidate.Description)
	}
	for _, t := range terms {
		if !strings.Contains(name, t) && !strings.Contains(text, t) {
			return false
		}
	}
	return true
}

// Search returns every package whose name or description contains all
// terms (case-insensitive), best matches first, then by name.
func (s *Store) Search(terms []string) ([]SearchResult, error) {
	var norm []string
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			norm = append(norm, t)
		}
	}
	pkgs, err := s.Packages()
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, p := range pkgs {
		if !matchesAll(norm, p) {
			continue
		}
		r := SearchResult{
			Name:      p.Name,
			Installed: p.IsInstalled(),
			Score:     searchScore(norm, strings.ToLower(p.Name)),
		}
		if p.Candidate != nil {
			r.Version = p.Candidate.FullVersion()
			r.Summary = p.Candidate.Summary
		} else if p.Installed != nil {
			r.Version = p.Installed.Version
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
