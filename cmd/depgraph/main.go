// Command depgraph prints the module's package import graph as
// Graphviz dot, grounded on misc/depgraph/main.go but generalized from
// shelling out to `go mod graph` into parsing go.mod directly with
// golang.org/x/mod/modfile and walking the import graph with
// golang.org/x/tools/go/packages, so the output distinguishes
// package-level edges rather than collapsing everything to one
// module-to-module line.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"
)

func loadModulePath(dir string) (string, error) {
	data, err := os.ReadFile(dir + "/go.mod")
	if err != nil {
		return "", err
	}
	mf, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return "", err
	}
	return mf.Module.Mod.Path, nil
}

func main() {
	dir := flag.String("dir", ".", "module root directory")
	flag.Parse()

	modPath, err := loadModulePath(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depgraph: %v\n", err)
		os.Exit(1)
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
		Dir:  *dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "depgraph: %v\n", err)
		os.Exit(1)
	}

	edges := map[string]map[string]bool{}
	seen := map[string]bool{}

	var visit func(p *packages.Package)
	visit = func(p *packages.Package) {
		if seen[p.PkgPath] {
			return
		}
		seen[p.PkgPath] = true
		for _, imp := range p.Imports {
			if edges[p.PkgPath] == nil {
				edges[p.PkgPath] = map[string]bool{}
			}
			edges[p.PkgPath][imp.PkgPath] = true
			visit(imp)
		}
	}
	for _, p := range pkgs {
		visit(p)
	}

	var froms []string
	for from := range edges {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintf(w, "digraph deps {\n")
	fmt.Fprintf(w, "    // root module: %s\n", modPath)
	for _, from := range froms {
		tos := make([]string, 0, len(edges[from]))
		for to := range edges[from] {
			tos = append(tos, to)
		}
		sort.Strings(tos)
		for _, to := range tos {
			fmt.Fprintf(w, "    %q -> %q;\n", from, to)
		}
	}
	fmt.Fprintf(w, "}\n")
}
