// Package netboot serves NixOS systems to machines booting over the
// network with iPXE.
//
// A boot target is resolved to the store path of a system closure, either
// through a profile link, by building a NixOS configuration, or from a
// finished Hydra build. The closure is packed into a newc cpio archive the
// kernel unpacks as its initramfs, so the booted machine has the whole
// system in memory without a network filesystem.
//
// Packing a closure is expensive, so archives are kept in a size-bounded
// on-disk cache. Each cached archive holds a garbage-collector root on its
// store path, which keeps the closure alive for as long as the archive is
// cached.
//
// # Quick Start
//
//	cfg := netboot.DefaultConfig()
//	cfg.GCRootDir = "/var/lib/netboot/gc-roots"
//	cfg.CacheDir = "/var/cache/netboot"
//	cfg.ProfileDir = "/nix/var/nix/profiles/netboot"
//
//	svc, err := netboot.New(cfg, netboot.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	listeners, err := svc.Listen(ctx)
//	if err != nil {
//	    return err
//	}
//	return svc.Serve(ctx, listeners)
//
// A machine then boots with:
//
//	chain http://server:3030/dispatch/profile/<name>
//
// or directly from a known system with
//
//	chain http://server:3030/boot/<hash>-nixos-system-<name>/netboot.ipxe
//
// # Packages
//
// The [store] package talks to the Nix store, [archive] writes initramfs
// archives, [cache] keeps them, [resolve] maps boot targets to store paths
// and [server] routes HTTP requests.
package netboot
