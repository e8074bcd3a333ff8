/*
Package sim implements a functional, instruction-level simulator for a 64-bit RISC-like multi-core
machine extended with hardware-enforced enclave isolation.

The design mimics the microarchitecture of the reference machine this project is modeled on, the
same way an actual CPU's data path is staged. In particular, accessing memory goes through the
small set of stages below on every reference, for every core, independent of whether the access
originates from fetching an instruction or from executing a load or store.

# Tagged Memory

Every physical page of DRAM carries an owner and an optional reader identifier. Before any load,
store, or fetch is allowed to reach backing memory, the MMU computes the physical address, looks up
the page's tag, and compares it against the identifier of the enclave issuing the access. A page's
owner may load, store, and fetch from it; a page's reader (if set) may additionally load from it.
Every other access raises an access fault.

# Enclave Lifecycle

A privileged management shim, running as its own reserved enclave identifier on a dedicated core,
mediates the enclave lifecycle: creating enclave records, donating pages (mutating their owner tag),
and switching cores into an enclave's code. Control messages pass through a fixed-address mailbox
region, one slot per core, following a create/donate/switch state machine.

# Cache Partitioning

A cache hierarchy model runs alongside functional execution: split L1 instruction and data caches
per core, and a shared or partitioned L2. Partitioning exists to remove cache-based covert channels
between enclaves; two schemes are implemented, a remapping-table front end over a partitioned LLC,
and static apportionment of LLC sets per enclave.

# What Is Not Here

Full instruction decode for a real ISA, floating point, a JTAG/debug module, device-tree emission,
and host console wiring are all treated as primitives the core consumes rather than subsystems this
package implements; see [InstructionDecoder] and the console seam in package console.
*/
package sim
