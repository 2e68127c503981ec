// Command mkimage turns one or more built ELF64/RISC-V user binaries into a
// generated Go source file that registers them with the kernel's loader
// (kernel/loader.go's RegisterBinaryImage) under a name derived from each
// input file's basename.
//
// This is host tooling — it runs at build time on the developer's machine,
// never on the target — and is grounded on
// iansmith-feelings/src/boot/anticipation/cmd/release/elf_support.go, the
// one file in the retrieved pack that parses ELF with the standard
// debug/elf package rather than by hand: that file also only ever runs as a
// host-side release tool, the same role mkimage plays here. Unlike
// elf_support.go's listener-driven Process/ElfListener design (built to
// stream section-by-section data to a boot-image writer), mkimage only
// needs a class/machine/entry sanity check and the raw file bytes, so it
// talks to debug/elf directly instead of reproducing that abstraction.
package main

import (
	"bytes"
	"debug/elf"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

var imageTemplate = template.Must(template.New("mkimage").Parse(`// Code generated by cmd/mkimage from {{.Sources}}. DO NOT EDIT.

package main

func init() {
{{- range .Images}}
	RegisterBinaryImage({{printf "%q" .Name}}, {{.Name}}Image)
{{- end}}
}

{{range .Images -}}
var {{.Name}}Image = []byte{
{{.Bytes}}
}

{{end -}}
`))

type image struct {
	Name  string
	Bytes string
}

func main() {
	out := flag.String("o", "", "output Go source file (required)")
	pkg := flag.String("pkg", "main", "unused; images register via init() into the kernel package")
	flag.Parse()
	_ = pkg

	if *out == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: mkimage -o <output.go> <elf-binary>...")
		os.Exit(2)
	}

	var images []image
	for _, path := range flag.Args() {
		name, data, err := loadBinary(path)
		if err != nil {
			log.Fatalf("mkimage: %s: %v", path, err)
		}
		images = append(images, image{Name: name, Bytes: formatBytes(data)})
	}

	var buf bytes.Buffer
	if err := imageTemplate.Execute(&buf, struct {
		Sources string
		Images  []image
	}{
		Sources: strings.Join(flag.Args(), ", "),
		Images:  images,
	}); err != nil {
		log.Fatalf("mkimage: rendering template: %v", err)
	}

	if err := os.WriteFile(*out, buf.Bytes(), 0644); err != nil {
		log.Fatalf("mkimage: writing %s: %v", *out, err)
	}
}

// loadBinary validates that path is a RISC-V64 executable ELF and returns
// the image name (its basename with any extension stripped) plus the raw
// file contents, which the freestanding loader (kernel/loader.go) parses
// itself at exec time.
func loadBinary(path string) (string, []byte, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("not a valid ELF file: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return "", nil, fmt.Errorf("class %s, want ELFCLASS64", f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		return "", nil, fmt.Errorf("machine %s, want EM_RISCV", f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return "", nil, fmt.Errorf("type %s, want ET_EXEC", f.Type)
	}
	if f.Entry == 0 {
		return "", nil, fmt.Errorf("entry point is zero")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return name, data, nil
}

func formatBytes(data []byte) string {
	var b strings.Builder
	for i, by := range data {
		if i%16 == 0 {
			if i != 0 {
				b.WriteByte('\n')
			}
			b.WriteByte('\t')
		}
		fmt.Fprintf(&b, "0x%02x, ", by)
	}
	return b.String()
}
