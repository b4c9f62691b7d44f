// Package dlpfs implements an encrypted-file container engine for
// access-controlled documents, and exposes decrypted content through
// reference-counted virtual files that a file-system shim can call into.
//
// # Overview
//
// A container stores a document as a fixed header, an encrypted
// certificate (the policy blob issued upstream), a contact account, the
// ciphertext content and an integrity tag. Content is encrypted with
// AES-CTR, so any byte range can be read, rewritten or extended without
// touching the rest of the file.
//
// Two physical encodings share one logical contract, Container:
//
//   - FlatContainer: a single file laid out as
//     [Header][Certificate][ContactAccount][Ciphertext][Tag][OfflineCert]
//   - ArchiveContainer: a zip archive with general-info, cert,
//     encrypted-data and optional offline-cert entries
//
// # Basic Usage
//
//	material, err := dlpfs.GenerateCipherMaterial(32)
//	if err != nil {
//	    panic(err)
//	}
//
//	f, _ := os.Create("/tmp/report.dlp")
//	c, _ := dlpfs.NewFlatContainer(f, nil)
//	c.SetCipher(material)
//	c.SetEncryptCert(cert)
//	c.SetContactAccount("owner@example.com")
//	c.SetPolicy(dlpfs.Policy{Access: dlpfs.AccessFullControl})
//	if err := c.Protect(strings.NewReader("secret")); err != nil {
//	    panic(err)
//	}
//
//	registry := dlpfs.NewLinkRegistry(nil)
//	link, _ := registry.Add("report.txt", c)
//	data, _ := link.Read(0, 6, 0)
//
// # Header Format
//
// The flat header is 60 bytes of little-endian uint32 fields:
//   - magic (0x087F4922), version, fileType, offlineAccess, algType
//   - txtOffset, txtSize, hmacOffset, hmacSize
//   - certOffset, certSize, contactAccountOffset, contactAccountSize
//   - offlineCertOffset, offlineCertSize
//
// Every section range is checked before any section is read: sections
// are contiguous, bounded by MaxCertSize, and never extend past the
// physical file.
//
// # Security Considerations
//
// Partial writes decrypt the covering blocks, merge the new bytes and
// re-encrypt, so the counter stream always matches the block offset.
// Gaps created by writing past the end or growing with Truncate are
// filled with encrypted zeros; stale ciphertext is never exposed.
// Cipher material is kept in heap buffers and zeroed on Close.
package dlpfs
