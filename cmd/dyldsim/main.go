// Command dyldsim drives a FakeDelegate-backed launch scenario through
// dyld/launch.Launch and prints the resulting image graph and any cache
// patch table, the way a debugger attaching via the all_image_infos
// handoff record would see the process.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	macho "github.com/blacktop/go-dyld"
	"github.com/blacktop/go-dyld/dyld/launch"
	"github.com/blacktop/go-dyld/dyld/procconfig"
	"github.com/blacktop/go-dyld/dyld/syscall"
)

func main() {
	mainPath := flag.String("main", "/bin/app", "path of the main executable inside the simulated filesystem")
	verbose := flag.Bool("v", false, "enable debug-level fixup/loader tracing")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	delegate := syscall.NewFakeDelegate()
	mainFile, err := buildScenario(delegate, *mainPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dyldsim: building scenario:", err)
		os.Exit(1)
	}

	kern := &procconfig.KernelArgs{
		MainExecutable: mainFile,
		Argv:           []string{*mainPath},
		Envp:           os.Environ(),
	}

	result, err := launch.Launch(delegate, kern)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dyldsim: launch failed:", err)
		os.Exit(1)
	}

	printImageTable(result)
	printPatchTable(result)

	if result.SkipMain {
		fmt.Println("\nDYLD_SKIP_MAIN set: not transferring control to main()")
	}
}

// buildScenario seeds the fake delegate with the smallest launch the
// simulator can drive end to end: a main executable depending on
// libSystem, with libSystem resolved out of a fabricated shared cache
// rather than parsed from disk bytes. Swap this for a *macho.File built
// from a real captured binary (via macho.NewFile over delegate.ReadFile)
// to drive an actual corpus through the same launch path.
func buildScenario(delegate *syscall.FakeDelegate, mainPath string) (*macho.File, error) {
	const libSystem = "/usr/lib/libSystem.B.dylib"

	delegate.SetSharedCache(syscall.CacheRawInfo{
		Path:       "/System/Library/dyld/dyld_shared_cache_arm64e",
		DylibPaths: []string{libSystem},
	})

	main := &macho.File{FileTOC: macho.FileTOC{
		Loads: []macho.Load{
			&macho.Dylib{Name: libSystem, CurrentVersion: "1.0.0", CompatVersion: "1.0.0"},
		},
	}}
	return main, nil
}

func printImageTable(result *launch.Result) {
	tableString := &strings.Builder{}
	var rows [][]string
	for _, img := range result.Images.Snapshot() {
		rows = append(rows, []string{
			img.Path,
			fmt.Sprintf("%#x", img.MappedBase),
			img.FileID,
			fmt.Sprintf("%t", img.Unloaded),
		})
	}

	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Path", "Mapped Base", "File ID", "Unloaded"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(rows)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()

	fmt.Println(tableString.String())
}

func printPatchTable(result *launch.Result) {
	if len(result.Engine.CachePatches) == 0 {
		return
	}

	tableString := &strings.Builder{}
	var rows [][]string
	for _, p := range result.Engine.CachePatches {
		rows = append(rows, []string{
			p.ExportName,
			fmt.Sprintf("%#x", p.UseVMOffset),
			fmt.Sprintf("%#x", p.NewValue),
		})
	}

	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Export", "Use VM Offset", "New Value"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(rows)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()

	fmt.Println("\nShared cache patches:")
	fmt.Println(tableString.String())
}
