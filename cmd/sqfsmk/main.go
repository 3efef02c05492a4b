// Command sqfsmk builds a SquashFS image from either a directory tree or a
// gen_init_cpio-style listing file.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/sqfsgo/squashfs"
	"github.com/sqfsgo/squashfs/tarfs"
)

type cliOptions struct {
	PackFile      string `long:"pack-file" short:"F" description:"listing file describing the image contents"`
	PackDir       string `long:"pack-dir" short:"D" description:"directory tree to pack (root of the image, or the base for --pack-file source paths)"`
	PackTar       string `long:"pack-tar" short:"T" description:"tar archive (or - for stdin) to stream directly into the image"`
	Compressor    string `long:"compressor" short:"c" default:"gzip" description:"compressor: gzip, lzma, lzo, xz, lz4, zstd"`
	BlockSize     uint32 `long:"block-size" short:"b" default:"131072" description:"data block size in bytes"`
	DevBlockSize  uint32 `long:"dev-block-size" short:"B" default:"4096" description:"device block size to pad the image to (minimum 1024)"`
	Defaults      string `long:"defaults" short:"d" description:"uid=,gid=,mode=,mtime= for implicitly created directories"`
	CompExtra     string `long:"comp-extra" short:"X" description:"comma-separated compressor tuning options, or 'help'"`
	NumJobs       int    `long:"num-jobs" short:"j" default:"1" description:"number of compressor worker goroutines"`
	QueueBacklog  int    `long:"queue-backlog" short:"Q" description:"max in-flight blocks per worker (default 10, i.e. 10x num-jobs in total)"`
	KeepTime      bool   `long:"keep-time" short:"k" description:"use real timestamps instead of --defaults mtime when packing a directory"`
	KeepXattr     bool   `long:"keep-xattr" short:"x" description:"pack extended attributes read from the source directory"`
	OneFileSystem bool   `long:"one-file-system" short:"o" description:"do not cross mount points when packing a directory"`
	Exportable    bool   `long:"exportable" short:"e" description:"build an NFS export table"`
	Force         bool   `long:"force" short:"f" description:"overwrite the output file if it exists"`
	Quiet         bool   `long:"quiet" short:"q" description:"suppress progress logging"`
	SELinux       string `long:"selinux" short:"s" description:"SELinux label file to source security.selinux xattrs from"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts cliOptions
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS] (--pack-file <listing> | --pack-dir <dir> | --pack-tar <archive>) <squashfs-file>"
	rest, err := parser.ParseArgs(argv)
	if err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	log := logrus.New()
	if opts.Quiet {
		log.SetLevel(logrus.ErrorLevel)
	}

	if opts.CompExtra == "help" {
		printCompExtraHelp(opts.Compressor)
		return 0
	}

	numSources := 0
	for _, s := range []string{opts.PackFile, opts.PackDir, opts.PackTar} {
		if s != "" {
			numSources++
		}
	}
	// Alongside --pack-file, --pack-dir is only the base for its source paths.
	if opts.PackFile != "" && opts.PackDir != "" {
		numSources--
	}
	if numSources != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of --pack-file, --pack-dir or --pack-tar is required (--pack-dir may accompany --pack-file)")
		return 1
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "expected exactly one output image path")
		return 1
	}
	outPath := rest[0]

	if opts.DevBlockSize < 1024 {
		fmt.Fprintln(os.Stderr, "--dev-block-size must be at least 1024")
		return 1
	}

	compID, err := compressorByName(opts.Compressor)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	writerOpts := []squashfs.WriterOption{
		squashfs.WithBlockSize(opts.BlockSize),
		squashfs.WithCompressor(compID),
		squashfs.WithWriterLogger(squashfs.NewLogrusLogger(log)),
	}
	if opts.NumJobs > 1 {
		writerOpts = append(writerOpts, squashfs.WithJobs(opts.NumJobs))
		if opts.QueueBacklog > 0 {
			writerOpts = append(writerOpts, squashfs.WithQueueBacklog(opts.QueueBacklog))
		}
	}
	if opts.Exportable {
		writerOpts = append(writerOpts, squashfs.WithExportable())
	}

	defUid, defGid, defMode, defMtime, err := parseDefaults(opts.Defaults)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	writerOpts = append(writerOpts, squashfs.WithDefaultDirAttrs(defUid, defGid, defMode, defMtime))

	var rules []selinuxRule
	if opts.SELinux != "" {
		rules, err = loadSelinuxRules(opts.SELinux)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if opts.KeepXattr || len(rules) > 0 {
		root := opts.PackDir
		writerOpts = append(writerOpts, squashfs.WithXattrProvider(buildXattrProvider(root, opts.KeepXattr, rules)))
	}

	openFlags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if !opts.Force {
		openFlags |= os.O_EXCL
	}
	out, err := os.OpenFile(outPath, openFlags, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", outPath, err)
		return 1
	}
	defer out.Close()

	comp, err := opts.extraCompressor(compID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if comp != nil {
		writerOpts = append(writerOpts, comp)
	}

	w, err := squashfs.NewWriter(squashfs.OSFile{File: out}, writerOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch {
	case opts.PackTar != "":
		err = packFromTar(w, opts.PackTar, log)
	case opts.PackDir != "" && opts.PackFile == "":
		err = packFromDir(w, opts.PackDir, opts.KeepTime, defMtime, opts.OneFileSystem, log)
	default:
		err = packFromListing(w, opts.PackFile, opts.PackDir)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	if err := w.Finalize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	return 0
}

// extraCompressor applies --comp-extra's comma-separated key=value list to
// the selected codec, if it implements squashfs.Tunable. It returns a
// WriterOption wrapping WithCompressor again so the tuned instance (rather
// than a fresh default one) is what NewWriter keeps.
func (o *cliOptions) extraCompressor(id squashfs.SquashComp) (squashfs.WriterOption, error) {
	if o.CompExtra == "" {
		return nil, nil
	}
	comp, err := squashfs.NewCompressor(id)
	if err != nil {
		return nil, err
	}
	tunable, ok := comp.(squashfs.Tunable)
	if !ok {
		return nil, fmt.Errorf("--comp-extra: %s has no tunable options", o.Compressor)
	}
	for _, kv := range strings.Split(o.CompExtra, ",") {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return nil, fmt.Errorf("--comp-extra: malformed option %q, expected key=value", kv)
		}
		if err := tunable.SetExtra(k, v); err != nil {
			return nil, err
		}
	}
	return squashfs.WithTunedCompressor(id, comp), nil
}

func printCompExtraHelp(name string) {
	id, err := compressorByName(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	comp, err := squashfs.NewCompressor(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if tunable, ok := comp.(squashfs.Tunable); ok {
		fmt.Println(tunable.ExtraHelp())
		return
	}
	fmt.Printf("%s has no tunable options\n", name)
}

func compressorByName(name string) (squashfs.SquashComp, error) {
	switch strings.ToLower(name) {
	case "gzip":
		return squashfs.GZip, nil
	case "lzma":
		return squashfs.LZMA, nil
	case "lzo":
		return squashfs.LZO, nil
	case "xz":
		return squashfs.XZ, nil
	case "lz4":
		return squashfs.LZ4, nil
	case "zstd":
		return squashfs.ZSTD, nil
	default:
		return 0, fmt.Errorf("unsupported compressor %q", name)
	}
}

// parseDefaults parses --defaults' "uid=,gid=,mode=,mtime=" comma list.
// Fields not present keep the documented defaults: uid 0, gid 0, mode
// 0755, mtime 0.
func parseDefaults(s string) (uid, gid uint32, mode fs.FileMode, mtime int64, err error) {
	mode = 0755
	if s == "" {
		return uid, gid, mode, mtime, nil
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		k, v, found := strings.Cut(field, "=")
		if !found {
			return 0, 0, 0, 0, fmt.Errorf("--defaults: malformed field %q", field)
		}
		switch k {
		case "uid":
			n, e := strconv.ParseUint(v, 10, 32)
			if e != nil {
				return 0, 0, 0, 0, fmt.Errorf("--defaults: invalid uid %q", v)
			}
			uid = uint32(n)
		case "gid":
			n, e := strconv.ParseUint(v, 10, 32)
			if e != nil {
				return 0, 0, 0, 0, fmt.Errorf("--defaults: invalid gid %q", v)
			}
			gid = uint32(n)
		case "mode":
			n, e := strconv.ParseUint(v, 8, 32)
			if e != nil {
				return 0, 0, 0, 0, fmt.Errorf("--defaults: invalid mode %q", v)
			}
			mode = fs.FileMode(n) & fs.ModePerm
		case "mtime":
			n, e := strconv.ParseInt(v, 10, 64)
			if e != nil {
				return 0, 0, 0, 0, fmt.Errorf("--defaults: invalid mtime %q", v)
			}
			mtime = n
		default:
			return 0, 0, 0, 0, fmt.Errorf("--defaults: unrecognized field %q", k)
		}
	}
	return uid, gid, mode, mtime, nil
}

// timeOverrideEntry wraps an fs.DirEntry so Info() reports a fixed mtime,
// used by packFromDir when --keep-time is not given.
type timeOverrideEntry struct {
	fs.DirEntry
	mtime time.Time
}

func (e timeOverrideEntry) Info() (fs.FileInfo, error) {
	fi, err := e.DirEntry.Info()
	if err != nil {
		return nil, err
	}
	return timeOverrideInfo{fi, e.mtime}, nil
}

type timeOverrideInfo struct {
	fs.FileInfo
	mtime time.Time
}

func (fi timeOverrideInfo) ModTime() time.Time { return fi.mtime }

// packFromListing adds every record of a --pack-file listing to w, opening
// regular-file bodies relative to packDir (or the listing's own directory
// when packDir wasn't given).
func packFromListing(w *squashfs.Writer, listingPath, packDir string) error {
	f, err := os.Open(listingPath)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := parseListing(f)
	if err != nil {
		return &squashfs.Error{Kind: squashfs.KindCorrupt, Context: listingPath, Err: err}
	}

	baseDir := packDir
	if baseDir == "" {
		baseDir = filepath.Dir(listingPath)
	}

	for _, e := range entries {
		if err := addListingEntry(w, e, baseDir); err != nil {
			return fmt.Errorf("%s:%d: %w", listingPath, e.line, err)
		}
	}
	return nil
}

func addListingEntry(w *squashfs.Writer, e listingEntry, baseDir string) error {
	base := squashfs.RawEntry{
		Path: e.path,
		Mode: fs.FileMode(e.mode),
		Uid:  uint32(e.uid),
		Gid:  uint32(e.gid),
	}
	switch e.kind {
	case "dir":
		base.Type = squashfs.DirType
		return w.AddRaw(base)
	case "pipe":
		base.Type = squashfs.FifoType
		return w.AddRaw(base)
	case "sock":
		base.Type = squashfs.SocketType
		return w.AddRaw(base)
	case "slink":
		base.Type = squashfs.SymlinkType
		base.SymTarget = e.target
		return w.AddRaw(base)
	case "nod":
		if e.char {
			base.Type = squashfs.CharDevType
		} else {
			base.Type = squashfs.BlockDevType
		}
		base.Major = int64(e.major)
		base.Minor = int64(e.minor)
		return w.AddRaw(base)
	case "file":
		loc := e.loc
		if loc == "" {
			loc = e.path
		}
		srcPath := loc
		if !filepath.IsAbs(srcPath) {
			srcPath = filepath.Join(baseDir, srcPath)
		}
		body, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer body.Close()
		base.Type = squashfs.FileType
		base.Body = body
		return w.AddRaw(base)
	default:
		return fmt.Errorf("unrecognized listing record type %q", e.kind)
	}
}

// packFromDir walks root and adds every entry to w via an os.DirFS source,
// honoring --one-file-system (skip subtrees on a different device) and
// --keep-time (use real mtimes instead of the configured default).
func packFromDir(w *squashfs.Writer, root string, keepTime bool, defMtime int64, oneFileSystem bool, log *logrus.Logger) error {
	srcFS := os.DirFS(root)
	w.SetSourceFS(srcFS)

	rootDev, err := deviceOf(root, oneFileSystem)
	if err != nil {
		return err
	}

	return fs.WalkDir(srcFS, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == "." {
			return nil
		}
		if oneFileSystem && d.IsDir() {
			dev, err := deviceOf(filepath.Join(root, p), true)
			if err != nil {
				return err
			}
			if dev != rootDev {
				log.Warnf("one-file-system: skipping mount point %s", p)
				return fs.SkipDir
			}
		}
		var ed fs.DirEntry = d
		if !keepTime {
			ed = timeOverrideEntry{DirEntry: d, mtime: time.Unix(defMtime, 0)}
		}
		return w.Add(p, ed, nil)
	})
}

// packFromTar streams a tar archive straight into w via tarfs, one entry at
// a time, so the image never holds the whole archive in memory. tarPath may
// be "-" to read the archive from standard input.
func packFromTar(w *squashfs.Writer, tarPath string, log *logrus.Logger) error {
	in := os.Stdin
	if tarPath != "-" {
		f, err := os.Open(tarPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	walker := tarfs.NewWalker(in)
	for {
		e, err := walker.Next()
		if err == io.EOF {
			return nil
		}
		if err == tarfs.ErrHardLink {
			log.Warnf("%s: %v", tarPath, err)
			continue
		}
		if err != nil {
			return err
		}
		if err := w.AddTarEntry(e); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}
}

func exitCodeFor(err error) int {
	if squashfs.IsCorrupt(err) {
		return 2
	}
	return 1
}
