package bcachefs

import (
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

func (c *FileSystem) metadataChecksum() CsumType {
	if c.opts.MetadataChecksum == CsumNone {
		return CsumCRC32C
	}
	return c.opts.MetadataChecksum
}

// writeOne issues one checksummed asynchronous superblock write for ca at
// layout slot idx, or reports false when the device has no such slot.
func (c *FileSystem) writeOne(ca *DeviceHandle, idx int, wg *sync.WaitGroup, report func(*DeviceHandle, error)) bool {
	sb := ca.sb.SB
	if idx >= int(sb.Layout.NrSuperblocks) {
		return false
	}

	sb.Offset = sb.Layout.SBOffset[idx]
	sb.SetCsumType(c.metadataChecksum())

	raw, err := sb.Encode()
	if err != nil {
		report(ca, err)
		return false
	}

	// writes are issued in whole logical blocks
	bs := int(ca.sb.dev.LogicalBlockSize())
	n := (len(raw) + bs - 1) / bs * bs
	ca.sb.buf.EnsureCapacity(n)
	buf := ca.sb.buf.Bytes()[:n]
	copy(buf, raw)
	for i := len(raw); i < n; i++ {
		buf[i] = 0
	}

	wg.Add(1)
	ca.sb.dev.WriteAsync(buf, int64(sb.Offset)*512, func(err error) {
		if err != nil {
			report(ca, err)
		}
		wg.Done()
	})
	return true
}

// WriteSuper writes the filesystem-wide superblock out to every online
// member. SBLock must be held.
//
// The write is one logical transaction: the sequence number is bumped, the
// authoritative image is propagated into every online member (journal field
// excluded), every resulting image is validated, and only then is any I/O
// issued - a validation failure marks the filesystem inconsistent and aborts
// before a single byte is written. Backup copies go out in synchronized
// waves: one slot index at a time across all devices, waiting for each wave
// to complete. A write failure is fatal to that device but does not abort
// the wave or the transaction.
func (c *FileSystem) WriteSuper() error {
	c.sb.Seq++

	online := c.onlineMembers()

	// the summary is refreshed on every exit, failed writes included
	defer c.sbUpdate()

	for _, ca := range online {
		if err := c.sbFromFS(ca); err != nil {
			c.inconsistentError("sb invalid before write: %v", err)
			return err
		}
	}
	for _, ca := range online {
		if err := ca.sb.Validate(); err != nil {
			c.inconsistentError("sb invalid before write: %v", err)
			return xerrors.Errorf("sb invalid before write: %w", err)
		}
	}

	if c.opts.NoChanges || c.errored.Load() {
		return nil
	}

	var (
		mu   sync.Mutex
		werr error
	)
	report := func(ca *DeviceHandle, err error) {
		c.devFatalIOErr(ca, "superblock write", err)
		mu.Lock()
		werr = multierr.Append(werr, xerrors.Errorf("%s: %w", ca.sb.dev.Path(), err))
		mu.Unlock()
	}

	for idx := 0; ; idx++ {
		var wg sync.WaitGroup
		wrote := false
		for _, ca := range online {
			if !ca.online.Load() {
				continue
			}
			if c.writeOne(ca, idx, &wg, report) {
				wrote = true
			}
		}
		wg.Wait()
		if !wrote {
			break
		}
	}

	for _, ca := range online {
		if !ca.online.Load() {
			continue
		}
		if err := ca.sb.dev.Sync(); err != nil {
			report(ca, err)
		}
	}

	return werr
}
