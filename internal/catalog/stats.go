package catalog

import "sort"

type CategoryCount struct {
	Category string
	Count    int
	Missing  int // entries without a description
}

// Stats counts catalog entries per category, largest first.
func Stats(c *Catalog) []CategoryCount {
	byCat := map[string]*CategoryCount{}
	for _, img := range c.Images {
		cat := img.Category
		if cat == "" {
			cat = "unknown"
		}
		cc, ok := byCat[cat]
		if !ok {
			cc = &CategoryCount{Category: cat}
			byCat[cat] = cc
		}
		cc.Count++
		if img.Description == "" {
			cc.Missing++
		}
	}

	out := make([]CategoryCount, 0, len(byCat))
	for _, cc := range byCat {
		out = append(out, *cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}
