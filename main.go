// fscat - Read files from FAT filesystem images, with MBR/GPT
// partition table support, transparently decrypting AES-XTS
// full-disk-encrypted images.
//
// Usage:
//
//	fscat [-key hex] [-sector-size n] <image> ls [-l] [path]
//	fscat [-key hex] [-sector-size n] <image> cat <path>
//	fscat [-key hex] [-sector-size n] <image> stat <path>
//	fscat [-key hex] [-sector-size n] <image> info
//	fscat [-key hex] [-sector-size n] <image> serve <unix-socket>
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lvdlvd/xtsaes/cmd"
	"github.com/lvdlvd/xtsaes/detect"
	"github.com/lvdlvd/xtsaes/fsys"
	"github.com/lvdlvd/xtsaes/fsys/fat"
	"github.com/lvdlvd/xtsaes/fsys/part"
	"github.com/lvdlvd/xtsaes/nbd"
	"github.com/lvdlvd/xtsaes/xts"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fscat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("fscat", flag.ContinueOnError)
	keyHex := fs.String("key", "", "hex-encoded AES-XTS key (32 or 64 bytes); image is treated as encrypted if set")
	sectorSize := fs.Int64("sector-size", 512, "AES-XTS sector size in bytes, used with -key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: fscat [-key hex] [-sector-size n] <image> <command> [options] [path]")
	}

	imagePath := rest[0]
	command := rest[1]
	cmdArgs := rest[2:]

	// Open image file
	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	if command == "serve" {
		return runServe(file, info.Size(), *keyHex, *sectorSize, cmdArgs)
	}

	var source io.ReaderAt = file
	if *keyHex != "" {
		source, err = openEncryptedImage(file, info.Size(), *keyHex, *sectorSize)
		if err != nil {
			return err
		}
	}

	// Detect filesystem type
	fsType, err := detect.Detect(source)
	if err != nil {
		return fmt.Errorf("detecting filesystem: %w", err)
	}

	if fsType == detect.Unknown {
		return fmt.Errorf("unknown or unsupported filesystem")
	}

	// Open filesystem
	filesystem, err := openFilesystem(source, info.Size(), fsType)
	if err != nil {
		return fmt.Errorf("opening filesystem: %w", err)
	}
	defer filesystem.Close()

	// Execute command
	switch command {
	case "ls":
		return runLs(filesystem, cmdArgs, stdout)
	case "cat":
		return runCat(filesystem, cmdArgs, stdout)
	case "stat":
		return runStat(filesystem, cmdArgs, stdout)
	case "info":
		return runInfo(filesystem, fsType, stdout)
	default:
		return fmt.Errorf("unknown command: %s (use ls, cat, stat, info, or serve)", command)
	}
}

// runServe exposes the (optionally XTS-decrypted) image as an NBD
// block device over a unix socket, for mounting with nbd-client.
func runServe(file *os.File, size int64, keyHex string, sectorSize int64, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("serve requires a unix socket path")
	}
	socketPath := args[0]

	srv := nbd.NewServer(socketPath)

	var exp *nbd.Export
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("decoding -key: %w", err)
		}
		sc, err := xts.NewSectorCipher(key, sectorSize)
		if err != nil {
			return fmt.Errorf("building XTS cipher: %w", err)
		}
		exp = nbd.NewEncryptedExport("image", file, sc, size)
	} else {
		exp = &nbd.Export{Name: "image", Reader: file, Writer: file, Size: size}
	}

	if err := srv.AddExport(exp); err != nil {
		return err
	}
	return srv.Serve()
}

// openEncryptedImage wraps a raw image file in an AES-XTS decrypting
// ReaderAt, so everything downstream (filesystem detection, listing,
// cat) operates on the plaintext view without knowing the image is
// encrypted.
func openEncryptedImage(file io.ReaderAt, size int64, keyHex string, sectorSize int64) (io.ReaderAt, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding -key: %w", err)
	}
	sc, err := xts.NewSectorCipher(key, sectorSize)
	if err != nil {
		return nil, fmt.Errorf("building XTS cipher: %w", err)
	}
	return xts.NewReaderAt(file, sc, size), nil
}

func openFilesystem(r io.ReaderAt, size int64, fsType detect.Type) (fsys.FS, error) {
	switch {
	case fsType.IsFAT():
		return fat.Open(r, size)
	case fsType.IsPartitionTable():
		pfs, err := part.Open(r, size, fsType)
		if err != nil {
			return nil, err
		}
		return pfs, nil
	default:
		return nil, fmt.Errorf("unsupported filesystem type: %s", fsType)
	}
}

func runLs(filesystem fsys.FS, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fs.Bool("l", false, "use long listing format")
	all := fs.Bool("a", false, "show all files including system files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "."
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	return cmd.Ls(filesystem, path, out, cmd.LsOptions{
		Long: *long,
		All:  *all,
	})
}

func runCat(filesystem fsys.FS, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("cat requires a path argument")
	}

	return cmd.Cat(filesystem, args[0], out)
}

func runStat(filesystem fsys.FS, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("stat requires a path argument")
	}

	return cmd.Stat(filesystem, args[0], out)
}

func runInfo(filesystem fsys.FS, fsType detect.Type, out io.Writer) error {
	fmt.Fprintf(out, "Filesystem type: %s\n", filesystem.Type())
	fmt.Fprintf(out, "Detected as: %s\n", fsType)
	return nil
}
