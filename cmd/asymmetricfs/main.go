// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command asymmetricfs mounts a directory of GPG-encrypted files as a
// plaintext FUSE filesystem, encrypting new content on write and
// decrypting it on read.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ckennelly/asymmetricfs/lib/gpgcrypt"
	"github.com/ckennelly/asymmetricfs/lib/memlock"
	"github.com/ckennelly/asymmetricfs/lib/overlay"
	"github.com/ckennelly/asymmetricfs/lib/overlay/fusebridge"
	"github.com/ckennelly/asymmetricfs/lib/procexit"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		procexit.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("asymmetricfs", pflag.ContinueOnError)

	var (
		rw              bool
		wo              bool
		gpgPath         string
		recipientFlags  []string
		memLock         memlock.Policy
		enableCoreDumps bool
		allowOther      bool
		printVersion    bool
	)

	flags.BoolVar(&rw, "rw", false, "mount read-write: file contents may be decrypted back to readers")
	flags.BoolVar(&wo, "wo", false, "mount write-only: file contents may be written but are never decrypted back to a reader")
	flags.StringVar(&gpgPath, "gpg-binary", "gpg", "path to the gpg-compatible binary used to encrypt and decrypt file contents")
	flags.StringArrayVarP(&recipientFlags, "recipient", "r", nil, "public key to encrypt file contents to (repeatable, at least one required)")
	flags.Var(&memLock, "memory-lock", "how aggressively to lock decrypted pages against swap: all, buffers, or none")
	flags.BoolVar(&enableCoreDumps, "enable-core-dumps", false, "do not suppress core dumps (a crash may leave plaintext on disk)")
	flags.BoolVar(&allowOther, "allow-other", false, "allow users other than the mount owner to access the filesystem")
	flags.BoolVar(&printVersion, "version", false, "print the version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: asymmetricfs [flags] target mountpoint\n\n%s", flags.FlagUsages())
	}

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if printVersion {
		fmt.Println("asymmetricfs (development build)")
		return nil
	}

	if rw == wo {
		if rw {
			return fmt.Errorf("--rw and --wo are mutually exclusive")
		}
		return fmt.Errorf("exactly one of --rw or --wo is required")
	}

	positional := flags.Args()
	if len(positional) != 2 {
		flags.Usage()
		return fmt.Errorf("expected exactly two positional arguments: target and mountpoint")
	}
	target, mountpoint := positional[0], positional[1]

	if len(recipientFlags) == 0 {
		return fmt.Errorf("at least one --recipient is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recipients := make([]gpgcrypt.Recipient, len(recipientFlags))
	for i, r := range recipientFlags {
		recipients[i] = gpgcrypt.Recipient(r)
	}
	for _, r := range recipients {
		if err := gpgcrypt.ValidateRecipient(ctx, gpgPath, r); err != nil {
			return err
		}
	}

	if !enableCoreDumps {
		if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
			return fmt.Errorf("disable core dumps: %w", err)
		}
	}

	if memLock == memlock.All {
		if err := memlock.LockAll(); err != nil {
			return err
		}
	}

	tool := &gpgcrypt.Tool{Path: gpgPath, Recipients: recipients}

	fsys, err := overlay.New(overlay.Options{
		Root:       target,
		ReadWrite:  rw,
		Tool:       tool,
		MemoryLock: memLock,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer fsys.Close()

	server, err := fusebridge.Mount(fusebridge.Options{
		Filesystem: fsys,
		Mountpoint: mountpoint,
		FsName:     "asymmetricfs",
		Name:       target,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", mountpoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return nil
}
