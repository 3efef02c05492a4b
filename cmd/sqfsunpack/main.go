// Command sqfsunpack inspects and extracts a SquashFS image.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"

	"github.com/sqfsgo/squashfs"
)

type globalOptions struct {
	Quiet bool `long:"quiet" short:"q" description:"suppress progress output"`
}

type listCmd struct {
	Args struct {
		Image string `positional-arg-name:"image" required:"true"`
		Path  string `positional-arg-name:"path"`
	} `positional-args:"yes"`
}

type catCmd struct {
	Args struct {
		Image string `positional-arg-name:"image" required:"true"`
		Path  string `positional-arg-name:"path" required:"true"`
	} `positional-args:"yes"`
}

type unpackCmd struct {
	Root string `long:"root" short:"r" default:"." description:"directory to extract into"`
	Args struct {
		Image string `positional-arg-name:"image" required:"true"`
		Path  string `positional-arg-name:"path"`
	} `positional-args:"yes"`
}

type describeCmd struct {
	Args struct {
		Image string `positional-arg-name:"image" required:"true"`
	} `positional-args:"yes"`
}

type readXattrCmd struct {
	Args struct {
		Image string `positional-arg-name:"image" required:"true"`
		Path  string `positional-arg-name:"path" required:"true"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var global globalOptions
	parser := flags.NewParser(&global, flags.Default)

	var list listCmd
	var cat catCmd
	var unpack unpackCmd
	var describe describeCmd
	var readXattr readXattrCmd

	parser.AddCommand("list", "List directory contents", "List the entries of a directory inside the image (default the root).", &list)
	parser.AddCommand("cat", "Print a file's contents", "Write one regular file's contents to standard output.", &cat)
	parser.AddCommand("unpack", "Extract the image to disk", "Recreate the image's filesystem tree under --root.", &unpack)
	parser.AddCommand("describe", "Print superblock details", "Dump the superblock fields and table offsets.", &describe)
	parser.AddCommand("read-xattr", "Print one path's extended attributes", "List the extended attribute pairs stored for one inode.", &readXattr)

	if _, err := parser.ParseArgs(argv); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	switch parser.Active.Name {
	case "list":
		return runList(list.Args.Image, orDot(list.Args.Path))
	case "cat":
		return runCat(cat.Args.Image, cat.Args.Path)
	case "unpack":
		return runUnpack(unpack.Args.Image, orDot(unpack.Args.Path), unpack.Root)
	case "describe":
		return runDescribe(describe.Args.Image)
	case "read-xattr":
		return runReadXattr(readXattr.Args.Image, readXattr.Args.Path)
	default:
		fmt.Fprintln(os.Stderr, "no command given")
		return 1
	}
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func openImage(path string) (*squashfs.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := squashfs.OpenReader(squashfs.OSFile{File: f})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f.Close, nil
}

func runList(imagePath, dirPath string) int {
	r, closeImg, err := openImage(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer closeImg()

	entries, err := fs.ReadDir(r, dirPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", e.Name(), err)
			continue
		}
		fmt.Printf("%s %8d %s %s\n", info.Mode(), info.Size(), info.ModTime().Format("Jan 02 15:04"), e.Name())
	}
	return 0
}

func runCat(imagePath, filePath string) int {
	r, closeImg, err := openImage(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer closeImg()

	f, err := r.Open(filePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runDescribe(imagePath string) int {
	r, closeImg, err := openImage(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer closeImg()

	sb := r.Superblock()
	fmt.Printf("version:             %d.%d\n", sb.VMajor, sb.VMinor)
	fmt.Printf("creation time:       %s\n", time.Unix(int64(sb.ModTime), 0).Format(time.RFC1123))
	fmt.Printf("block size:          %d\n", sb.BlockSize)
	fmt.Printf("compressor:          %s\n", sb.Comp)
	fmt.Printf("flags:               %s\n", sb.Flags)
	fmt.Printf("inode count:         %d\n", sb.InodeCnt)
	fmt.Printf("fragment count:      %d\n", sb.FragCount)
	fmt.Printf("id count:            %d\n", sb.IdCount)
	fmt.Printf("bytes used:          %d\n", sb.BytesUsed)
	fmt.Printf("root inode ref:      0x%x\n", sb.RootInode)
	fmt.Printf("inode table start:   0x%x\n", sb.InodeTableStart)
	fmt.Printf("dir table start:     0x%x\n", sb.DirTableStart)
	fmt.Printf("frag table start:    0x%x\n", sb.FragTableStart)
	fmt.Printf("export table start:  0x%x\n", sb.ExportTableStart)
	fmt.Printf("id table start:      0x%x\n", sb.IdTableStart)
	fmt.Printf("xattr id table start:0x%x\n", sb.XattrIdTableStart)
	return 0
}

func runReadXattr(imagePath, path string) int {
	r, closeImg, err := openImage(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer closeImg()

	fi, err := r.Stat(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	ino, ok := fi.Sys().(*squashfs.Inode)
	if !ok {
		fmt.Fprintln(os.Stderr, "no inode information available")
		return 1
	}
	pairs, err := ino.Xattrs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	for _, p := range pairs {
		fmt.Printf("%s=%q\n", p.Key, p.Value)
	}
	return 0
}

// runUnpack recreates the image's tree under root, writing regular files
// atomically via renameio so a killed unpack never leaves a half-written
// file where a consumer might read it.
func runUnpack(imagePath, subPath, root string) int {
	r, closeImg, err := openImage(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer closeImg()

	if err := os.MkdirAll(root, 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	err = fs.WalkDir(r, subPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel := p
		if subPath != "." {
			rel = relativeTo(subPath, p)
		}
		dest := filepath.Join(root, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		ino, _ := info.Sys().(*squashfs.Inode)

		switch {
		case d.IsDir():
			return os.MkdirAll(dest, info.Mode().Perm()|0700)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := r.ReadLink(p)
			if err != nil {
				return err
			}
			os.Remove(dest)
			return os.Symlink(target, dest)
		case info.Mode()&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0:
			return unpackSpecial(dest, info, ino)
		default:
			return unpackRegular(r, p, dest, info.Mode().Perm())
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return 0
}

func relativeTo(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return p
	}
	return rel
}

func unpackRegular(r *squashfs.Reader, srcPath, dest string, perm fs.FileMode) error {
	src, err := r.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	pf, err := renameioTempFile(dest)
	if err != nil {
		return err
	}
	defer pf.cleanup()

	if err := os.Chmod(pf.name, perm); err != nil {
		return err
	}
	if _, err := io.Copy(pf.file, src); err != nil {
		return err
	}
	return pf.commit()
}

func unpackSpecial(dest string, info fs.FileInfo, ino *squashfs.Inode) error {
	os.Remove(dest)
	var mode uint32
	switch {
	case info.Mode()&fs.ModeNamedPipe != 0:
		mode = unix.S_IFIFO
	case info.Mode()&fs.ModeSocket != 0:
		mode = unix.S_IFSOCK
	case info.Mode()&fs.ModeCharDevice != 0:
		mode = unix.S_IFCHR
	case info.Mode()&fs.ModeDevice != 0:
		mode = unix.S_IFBLK
	default:
		return fmt.Errorf("%s: unsupported mode %s", dest, info.Mode())
	}
	mode |= uint32(info.Mode().Perm())
	var dev int
	if ino != nil {
		dev = int(ino.Rdev)
	}
	return unix.Mknod(dest, mode, dev)
}

func exitCodeFor(err error) int {
	if squashfs.IsCorrupt(err) {
		return 2
	}
	return 1
}
