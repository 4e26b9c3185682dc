package hostif

// Fake is an in-memory Host used by tests elsewhere in this module: it
// backs every vCPU with a plain Regs struct and a byte slice standing
// in for guest-physical memory, with no real kernel underneath.
type Fake struct {
	Memory []byte
	regs   map[int]Regs
	Mapped map[uint64]bool

	SMCHandler func(vcpu int, args [8]Word) [8]Word
}

// NewFake builds a Fake host with memSize bytes of guest-physical
// memory and nCPUs vCPUs, all regs zeroed.
func NewFake(memSize int, nCPUs int) *Fake {
	f := &Fake{
		Memory: make([]byte, memSize),
		regs:   make(map[int]Regs, nCPUs),
		Mapped: make(map[uint64]bool),
	}
	for i := 0; i < nCPUs; i++ {
		f.regs[i] = Regs{}
	}

	return f
}

func (f *Fake) TCBReadRegs(vcpu int) (Regs, error) {
	return f.regs[vcpu], nil
}

func (f *Fake) TCBWriteRegs(vcpu int, r Regs) error {
	f.regs[vcpu] = r

	return nil
}

func (f *Fake) VCPUReadReg(vcpu int, reg RegID) (Word, error) {
	r := f.regs[vcpu]
	p := r.Get(reg)
	if p == nil {
		return 0, &HostError{Op: "vcpu_read_reg", Code: -1}
	}

	return *p, nil
}

func (f *Fake) VCPUWriteReg(vcpu int, reg RegID, val Word) error {
	r := f.regs[vcpu]
	p := r.Get(reg)
	if p == nil {
		return &HostError{Op: "vcpu_write_reg", Code: -1}
	}

	*p = val
	f.regs[vcpu] = r

	return nil
}

func (f *Fake) SMCCall(vcpu int, args [8]Word) ([8]Word, error) {
	if f.SMCHandler != nil {
		return f.SMCHandler(vcpu, args), nil
	}

	return [8]Word{}, nil
}

func (f *Fake) MapFrame(vspace int, cap CapSlot, ipa uint64, sizeBits uint, rights Rights, cacheable bool) error {
	f.Mapped[ipa] = true

	return nil
}

func (f *Fake) UnmapFrame(vspace int, ipa uint64) error {
	delete(f.Mapped, ipa)

	return nil
}

func (f *Fake) IPCRecv(ep int) (uint64, MessageTag, error) {
	return 0, MessageTag{}, nil
}

func (f *Fake) IPCReply(tag MessageTag) error {
	return nil
}

func (f *Fake) CNodeMint(src, dst CapSlot, rights Rights, badge uint64) error {
	return nil
}

// ReadAt/WriteAt let fault/gmm tests touch guest memory through the
// same io.ReaderAt/WriterAt shape machine.Machine exposes.
func (f *Fake) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(f.Memory) {
		return 0, &HostError{Op: "read_at", Code: -1}
	}

	n := copy(b, f.Memory[off:])

	return n, nil
}

func (f *Fake) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(f.Memory) {
		return 0, &HostError{Op: "write_at", Code: -1}
	}

	n := copy(f.Memory[off:], b)

	return n, nil
}
