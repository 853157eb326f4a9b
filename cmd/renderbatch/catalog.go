package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/renderbatch/internal/catalog"
)

const listLimit = 20

func runCatalogNoun(args []string) int {
	if len(args) < 1 {
		printCatalogNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCatalogNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runCatalogSync(actionArgs, false)
	case "fix":
		return runCatalogSync(actionArgs, true)
	case "descriptions":
		return runCatalogDescriptions(actionArgs)
	case "stats":
		return runCatalogStats(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown catalog action: %s\n", action)
		return 1
	}
}

func printCatalogNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: renderbatch catalog <action> [flags]

Actions:
  check          Compare catalog with *.png files (exit 1 when out of sync)
  fix            Add missing entries, remove orphans, rewrite the catalog
  descriptions   Backfill the descriptions file from catalog descriptions
  stats          Count entries per category

Flags:
  --catalog P        Catalog manifest (default: catalog.path from config)
  --images D         Images directory (default: catalog.images_dir, or images/ beside the catalog)
  --descriptions P   Descriptions file (default: catalog.descriptions_path, or image-descriptions.json beside the catalog)
  --config C         Configuration used when --catalog is not given
`)
}

type catalogPaths struct {
	catalog      string
	images       string
	descriptions string
}

func parseCatalogFlags(name string, args []string) (catalogPaths, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	catalogPath := fs.String("catalog", "", "Catalog manifest path")
	imagesDir := fs.String("images", "", "Images directory")
	descriptionsPath := fs.String("descriptions", "", "Descriptions file path")
	if err := fs.Parse(args); err != nil {
		return catalogPaths{}, fmt.Errorf("flag error: %w", err)
	}

	p := catalogPaths{catalog: *catalogPath, images: *imagesDir, descriptions: *descriptionsPath}
	if p.catalog == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return catalogPaths{}, err
		}
		p.catalog = cfg.Catalog.Path
		if p.images == "" {
			p.images = cfg.Catalog.ImagesDir
		}
		if p.descriptions == "" {
			p.descriptions = cfg.Catalog.DescriptionsPath
		}
	}

	root := filepath.Dir(p.catalog)
	if p.images == "" {
		p.images = filepath.Join(root, "images")
	}
	if p.descriptions == "" {
		p.descriptions = filepath.Join(root, "image-descriptions.json")
	}
	return p, nil
}

func runCatalogSync(args []string, fix bool) int {
	name := "catalog check"
	if fix {
		name = "catalog fix"
	}
	paths, err := parseCatalogFlags(name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	rep, err := catalog.Reconcile(paths.catalog, paths.images, fix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	rule := strings.Repeat("=", 50)
	if len(rep.Missing) > 0 {
		fmt.Printf("\n%s\nFILES MISSING FROM CATALOG (%d):\n%s\n", rule, len(rep.Missing), rule)
		for _, f := range rep.Missing {
			fmt.Printf("  + %s\n", f)
		}
		if fix {
			fmt.Printf("\n  -> Added %d entries to catalog\n", len(rep.Missing))
		}
	}
	if len(rep.Orphaned) > 0 {
		fmt.Printf("\n%s\nORPHANED CATALOG ENTRIES (%d):\n%s\n", rule, len(rep.Orphaned), rule)
		for _, f := range rep.Orphaned {
			fmt.Printf("  - %s\n", f)
		}
		if fix {
			fmt.Printf("\n  -> Removed %d orphaned entries\n", len(rep.Orphaned))
		}
	}

	switch {
	case rep.InSync():
		fmt.Printf("✓ Catalog in sync: %d images match %d files\n", rep.Images, rep.Files)
		return 0
	case rep.Written:
		fmt.Printf("\n✓ Catalog updated: %d images\n", rep.Images)
		return 0
	default:
		fmt.Println("\n⚠️  Run 'renderbatch catalog fix' to auto-correct")
		return 1
	}
}

func runCatalogDescriptions(args []string) int {
	paths, err := parseCatalogFlags("catalog descriptions", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	c, err := catalog.Load(paths.catalog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	rep, err := catalog.SyncDescriptions(c, paths.descriptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	rule := strings.Repeat("=", 60)
	fmt.Printf("%s\nSYNC DESCRIPTIONS SUMMARY\n%s\n", rule, rule)
	fmt.Printf("\nCatalog images: %d\n", len(c.Images))
	fmt.Printf("Previous descriptions: %d\n", rep.Previous)
	fmt.Printf("Final descriptions: %d\n\n", rep.Final)
	fmt.Printf("Added: %d\n", len(rep.Added))
	fmt.Printf("Removed (orphaned): %d\n", len(rep.Removed))
	fmt.Printf("Skipped (empty in catalog): %d\n", len(rep.Skipped))

	printNames("--- ADDED ---", "+", rep.Added)
	printNames("--- REMOVED (orphaned) ---", "-", rep.Removed)
	printNames("--- SKIPPED (empty description in catalog) ---", "?", rep.Skipped)

	fmt.Printf("\n%s\nDONE\n%s\n", rule, rule)
	return 0
}

func printNames(title, marker string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Printf("\n%s\n", title)
	for i, n := range names {
		if i == listLimit {
			fmt.Printf("  ... and %d more\n", len(names)-listLimit)
			break
		}
		fmt.Printf("  %s %s\n", marker, n)
	}
}

func runCatalogStats(args []string) int {
	paths, err := parseCatalogFlags("catalog stats", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	c, err := catalog.Load(paths.catalog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CATEGORY", "IMAGES", "NO DESCRIPTION")
	for _, cc := range catalog.Stats(c) {
		t.Row(cc.Category, strconv.Itoa(cc.Count), strconv.Itoa(cc.Missing))
	}
	fmt.Println(t.String())
	fmt.Printf("Total: %d images\n", len(c.Images))
	return 0
}
