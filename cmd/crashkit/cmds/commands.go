// Package cmds implements the crashkit command line interface.
package cmds

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-crashkit/crashkit/pkg/config"
	"github.com/go-crashkit/crashkit/pkg/fileloader"
	"github.com/go-crashkit/crashkit/pkg/imagelist"
	"github.com/go-crashkit/crashkit/pkg/logflags"
	"github.com/go-crashkit/crashkit/pkg/memio"
	"github.com/go-crashkit/crashkit/pkg/procmaps"
	"github.com/go-crashkit/crashkit/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// verbose makes list print crash annotations and per-image detail.
	verbose bool
	// exact requires whole-path name matches instead of substring matches.
	exact bool
	// pid selects the target process for the maps command.
	pid int

	conf *config.Config
)

const resolverCacheSize = 128

// New returns an initialized command tree.
func New() *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	rootCommand := &cobra.Command{
		Use:   "crashkit",
		Short: "Crashkit inspects the binary images of crashed processes.",
		Long: `Crashkit maintains and inspects registries of mapped binary images, the
per-image metadata a crash report needs to symbolicate addresses: load
address, unique build id, version and embedded crash annotations.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logOutput == "" {
				logOutput = conf.LogOutput
			}
			if logDest == "" {
				logDest = conf.LogDest
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (imagelist,machfile,fileloader)")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	listCommand := &cobra.Command{
		Use:     "list <image file>...",
		Aliases: append([]string{"ls"}, conf.Aliases["list"]...),
		Short:   "Register the given Mach-O files and print every image in the registry.",
		Args:    cobra.MinimumNArgs(1),
		RunE:    listCmd,
	}
	listCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print uuid, version and crash annotations for each image.")
	rootCommand.AddCommand(listCommand)

	findCommand := &cobra.Command{
		Use:     "find <name> <image file>...",
		Aliases: conf.Aliases["find"],
		Short:   "Find an image by name.",
		Args:    cobra.MinimumNArgs(2),
		RunE:    findCmd,
	}
	findCommand.Flags().BoolVarP(&exact, "exact", "", false, "Match the whole path instead of a substring.")
	rootCommand.AddCommand(findCommand)

	uuidCommand := &cobra.Command{
		Use:     "uuid <name> <image file>...",
		Aliases: conf.Aliases["uuid"],
		Short:   "Print the unique build id of the named image.",
		Args:    cobra.MinimumNArgs(2),
		RunE:    uuidCmd,
	}
	uuidCommand.Flags().BoolVarP(&exact, "exact", "", false, "Match the whole path instead of a substring.")
	rootCommand.AddCommand(uuidCommand)

	atCommand := &cobra.Command{
		Use:     "at <address> <image file>...",
		Aliases: conf.Aliases["at"],
		Short:   "Print the image whose mapped range contains the given address.",
		Args:    cobra.MinimumNArgs(2),
		RunE:    atCmd,
	}
	rootCommand.AddCommand(atCommand)

	mapsCommand := &cobra.Command{
		Use:     "maps",
		Aliases: conf.Aliases["maps"],
		Short:   "Print the file-backed memory mappings of a live process.",
		RunE:    mapsCmd,
	}
	mapsCommand.Flags().IntVarP(&pid, "pid", "p", 0, "Pid of the target process.")
	rootCommand.AddCommand(mapsCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crashkit\n%s\n", version.CrashkitVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	helpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		prepareHelp(cmd)
		helpFunc(cmd, args)
	})

	return rootCommand
}

// prepareHelp hides inherited flags that cobra must parse but that do not
// apply to the command being described.
func prepareHelp(cmd *cobra.Command) {
	switch cmd.Name() {
	case "version":
		cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
			flag.Hidden = true
		})
	}
}

// loadRegistry maps the given Mach-O files into a synthetic address space
// and returns an initialized registry over them.
func loadRegistry(files []string) (*imagelist.List, error) {
	mem := memio.NewRegionMemory()
	ld := fileloader.New(mem)
	for _, file := range files {
		if _, err := ld.LoadFile(file); err != nil {
			return nil, err
		}
	}
	list := imagelist.New(imagelist.Config{
		Memory:   mem,
		Loader:   ld,
		Resolver: imagelist.NewCachedResolver(ld, resolverCacheSize),
	})
	list.Initialize()
	return list, nil
}

func listCmd(cmd *cobra.Command, args []string) error {
	list, err := loadRegistry(args)
	if err != nil {
		return err
	}
	for img := list.Images(); img != nil; img = img.Next() {
		if img.Unloaded() && !conf.ShowUnloaded {
			continue
		}
		printImage(img)
	}
	return nil
}

func findCmd(cmd *cobra.Command, args []string) error {
	list, err := loadRegistry(args[1:])
	if err != nil {
		return err
	}
	img := list.ImageNamed(args[0], exact)
	if img == nil {
		return fmt.Errorf("no image matching %q", args[0])
	}
	printImage(img)
	return nil
}

func uuidCmd(cmd *cobra.Command, args []string) error {
	list, err := loadRegistry(args[1:])
	if err != nil {
		return err
	}
	id, ok := list.ImageUUID(args[0], exact)
	if !ok {
		return fmt.Errorf("no uuid for image matching %q", args[0])
	}
	fmt.Println(id)
	return nil
}

func atCmd(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args[0])
	}
	list, err := loadRegistry(args[1:])
	if err != nil {
		return err
	}
	img := list.ImageAtAddress(addr)
	if img == nil {
		return fmt.Errorf("no image contains %#x", addr)
	}
	printImage(img)
	return nil
}

func mapsCmd(cmd *cobra.Command, args []string) error {
	if pid <= 0 {
		return fmt.Errorf("you must provide a pid with -p")
	}
	regions, err := procmaps.Regions(int32(pid))
	if err != nil {
		return err
	}
	for _, r := range regions {
		fmt.Printf("%10d %10d  %s\n", r.Size, r.RSS, r.Path)
	}
	return nil
}

func printImage(img *imagelist.Image) {
	name := img.Name()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		name = "\033[1m" + name + "\033[0m"
	}
	state := ""
	if img.Unloaded() {
		state = " (unloaded)"
	}
	fmt.Printf("%#x  %s%s\n", img.Header(), name, state)
	if !verbose {
		return
	}
	if id, ok := img.UUID(); ok {
		fmt.Printf("    uuid:    %s\n", id)
	}
	if major, minor, rev := img.Version(); major != 0 || minor != 0 || rev != 0 {
		fmt.Printf("    version: %d.%d.%d\n", major, minor, rev)
	}
	fmt.Printf("    slide:   %#x  size: %#x\n", img.Slide(), img.Size())
	printAnnotation("message", img.CrashInfoMessage())
	printAnnotation("message2", img.CrashInfoMessage2())
	printAnnotation("backtrace", img.CrashInfoBacktrace())
	printAnnotation("signature", img.CrashInfoSignature())
}

func printAnnotation(label, s string) {
	if s == "" {
		return
	}
	if conf.MaxPrintedStringLen != nil && len(s) > *conf.MaxPrintedStringLen {
		s = s[:*conf.MaxPrintedStringLen] + "..."
	}
	fmt.Printf("    %s: %s\n", label, s)
}
