package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"wadispatch/internal/domain"
)

// SeedFile is the YAML import format:
//
//	contacts:
//	  - {name: Alice, number: "+10001"}
//	groups:
//	  - {name: Family, members: ["+10001"]}
//	templates:
//	  - {category: quote, content: "..."}
type SeedFile struct {
	Contacts []struct {
		Name   string `yaml:"name"`
		Number string `yaml:"number"`
	} `yaml:"contacts"`
	Groups []struct {
		Name    string   `yaml:"name"`
		Members []string `yaml:"members"`
	} `yaml:"groups"`
	Templates []struct {
		Category string `yaml:"category"`
		Content  string `yaml:"content"`
		IsImage  bool   `yaml:"is_image"`
	} `yaml:"templates"`
}

type SeedReport struct {
	Contacts  int
	Groups    int
	Members   int
	Templates int
}

func LoadSeed(path string) (SeedFile, error) {
	var sf SeedFile
	b, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return sf, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return sf, nil
}

// Seed imports sf into st. Contacts are upserted by number and groups by
// name, so re-importing the same file is harmless. Templates are appended.
func Seed(ctx context.Context, st Store, sf SeedFile) (SeedReport, error) {
	var rep SeedReport
	for _, c := range sf.Contacts {
		if _, err := st.UpsertContact(ctx, c.Name, c.Number); err != nil {
			return rep, fmt.Errorf("contact %q: %w", c.Name, err)
		}
		rep.Contacts++
	}
	for _, g := range sf.Groups {
		grp, err := st.UpsertGroup(ctx, g.Name)
		if err != nil {
			return rep, fmt.Errorf("group %q: %w", g.Name, err)
		}
		rep.Groups++
		for _, n := range g.Members {
			if err := st.AddMember(ctx, grp.ID, n); err != nil {
				return rep, fmt.Errorf("group %q member %s: %w", g.Name, n, err)
			}
			rep.Members++
		}
	}
	for _, t := range sf.Templates {
		cat, err := domain.ParseCategory(t.Category)
		if err != nil {
			return rep, err
		}
		if _, err := st.AddTemplate(ctx, domain.Template{Category: cat, Content: t.Content, IsImage: t.IsImage}); err != nil {
			return rep, err
		}
		rep.Templates++
	}
	return rep, nil
}
