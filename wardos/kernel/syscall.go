package kernel

import "fmt"

// Syscall numbers the raw trap interface.
type Syscall uint16

const (
	SysConnect Syscall = iota + 1
	SysDisconnect
	SysCreateServer
	SysSendScalar
	SysSendBlockingScalar
	SysSendMemory
	SysReceive
	SysTryReceive
	SysReturnScalar
	SysReturnMemory
	SysYield
	SysSleep
	SysClaimInterrupt
	SysFreeInterrupt
	SysSpawnThread
	SysTerminateThread
	SysAllocatePages
	SysFreePages
)

func (s Syscall) String() string {
	switch s {
	case SysConnect:
		return "connect"
	case SysDisconnect:
		return "disconnect"
	case SysCreateServer:
		return "create_server"
	case SysSendScalar:
		return "send_scalar"
	case SysSendBlockingScalar:
		return "send_blocking_scalar"
	case SysSendMemory:
		return "send_memory"
	case SysReceive:
		return "receive"
	case SysTryReceive:
		return "try_receive"
	case SysReturnScalar:
		return "return_scalar"
	case SysReturnMemory:
		return "return_memory"
	case SysYield:
		return "yield"
	case SysSleep:
		return "sleep"
	case SysClaimInterrupt:
		return "claim_interrupt"
	case SysFreeInterrupt:
		return "free_interrupt"
	case SysSpawnThread:
		return "spawn_thread"
	case SysTerminateThread:
		return "terminate_thread"
	case SysAllocatePages:
		return "allocate_pages"
	case SysFreePages:
		return "free_pages"
	default:
		return fmt.Sprintf("syscall(%d)", uint16(s))
	}
}

// Call is a raw syscall: a number and up to eight argument words.
//
// Argument layout by syscall:
//
//	Connect, Receive, TryReceive: a0,a1 = server ID (Words)
//	Disconnect: a0 = connection
//	SendScalar, SendBlockingScalar: a0 = connection, a1 = opcode,
//	    a2..a5 = args, a6 = flags, a7 = timeout
//	SendMemory: a0 = connection, a1 = discipline | opcode<<8,
//	    a2 = addr, a3 = len, a4 = offset, a5 = valid, a6 = flags, a7 = timeout
//	ReturnScalar: a0 = sender, a1..a4 = reply
//	ReturnMemory: a0 = sender, a1 = offset, a2 = valid
//	Sleep: a0 = ticks
//	ClaimInterrupt: a0 = source, a1,a2 = server ID
//	FreeInterrupt: a0 = source
//	SpawnThread: a0 = entry, a1 = stack, a2 = arg
//	AllocatePages: a0 = count, a1 = perm
//	FreePages: a0 = addr, a1 = count
type Call struct {
	Num  Syscall
	Args [8]uint64
}

// FlagNonBlocking in a send's flags word selects SendOptions.NonBlocking.
const FlagNonBlocking = 1

// ConnectionWord and SenderWord expose handles as raw syscall words; the
// kernel validates them against the caller's tables on every use.
func ConnectionWord(c Connection) uint64 { return c.word() }

func SenderWord(s Sender) uint64 { return s.word() }

// Dispatch decodes call and runs it as thread tid. Errors come back in
// Result.Err; a caller that blocked gets Pending and its final Result on wake.
//
// Return words: Connect -> Words[0] = connection; CreateServer -> Words[0:2]
// = server ID; SpawnThread -> Words[0] = TID; AllocatePages -> Words[0] =
// first address; Receive -> Envelope, with Words[0] = sender.
func (k *Kernel) Dispatch(tid TID, call Call) Result {
	a := call.Args
	pid, err := k.pidOf(tid)
	if err != nil {
		return Result{Err: err}
	}
	opts := func(flags, timeout uint64) SendOptions {
		return SendOptions{NonBlocking: flags&FlagNonBlocking != 0, Timeout: timeout}
	}
	scalar := func() Message {
		return Scalar(uint32(a[1]), uintptr(a[2]), uintptr(a[3]), uintptr(a[4]), uintptr(a[5]))
	}
	wrap := func(res Result, err error) Result {
		if err != nil {
			return Result{Err: err}
		}
		if !res.Pending {
			res.Words[0] = res.Envelope.Sender.word()
		}
		return res
	}

	switch call.Num {
	case SysConnect:
		conn, err := k.Connect(pid, ServerIDFromWords(a[0], a[1]))
		return Result{Err: err, Words: [4]uint64{conn.word()}}
	case SysDisconnect:
		return Result{Err: k.Disconnect(pid, connectionFromWord(a[0]))}
	case SysCreateServer:
		sid, err := k.CreateServer(pid)
		hi, lo := sid.Words()
		return Result{Err: err, Words: [4]uint64{hi, lo}}
	case SysSendScalar:
		return wrap(k.SendScalar(tid, connectionFromWord(a[0]), scalar(), opts(a[6], a[7])))
	case SysSendBlockingScalar:
		return wrap(k.SendBlockingScalar(tid, connectionFromWord(a[0]), scalar(), opts(a[6], a[7])))
	case SysSendMemory:
		msg := Memory(Discipline(a[1]&0xff), uint32(a[1]>>8), uintptr(a[2]), uintptr(a[3]))
		msg.Offset, msg.Valid = uintptr(a[4]), uintptr(a[5])
		return wrap(k.SendMemory(tid, connectionFromWord(a[0]), msg, opts(a[6], a[7])))
	case SysReceive:
		return wrap(k.Receive(tid, ServerIDFromWords(a[0], a[1])))
	case SysTryReceive:
		env, err := k.TryReceive(tid, ServerIDFromWords(a[0], a[1]))
		return wrap(Result{Envelope: env}, err)
	case SysReturnScalar:
		reply := [4]uintptr{uintptr(a[1]), uintptr(a[2]), uintptr(a[3]), uintptr(a[4])}
		return Result{Err: k.ReturnScalar(tid, senderFromWord(a[0]), reply)}
	case SysReturnMemory:
		return Result{Err: k.ReturnMemory(tid, senderFromWord(a[0]), uintptr(a[1]), uintptr(a[2]))}
	case SysYield:
		if err := k.Yield(tid); err != nil {
			return Result{Err: err}
		}
		return Result{Pending: true}
	case SysSleep:
		return wrap(k.Sleep(tid, a[0]))
	case SysClaimInterrupt:
		return Result{Err: k.ClaimInterrupt(pid, int(a[0]), ServerIDFromWords(a[1], a[2]))}
	case SysFreeInterrupt:
		return Result{Err: k.FreeInterrupt(pid, int(a[0]))}
	case SysSpawnThread:
		t, err := k.SpawnThread(pid, uintptr(a[0]), uintptr(a[1]), uintptr(a[2]))
		return Result{Err: err, Words: [4]uint64{t.Word()}}
	case SysTerminateThread:
		return Result{Err: k.TerminateThread(tid)}
	case SysAllocatePages:
		addrs, err := k.AllocatePages(pid, int(a[0]), Perm(a[1]))
		if err != nil {
			return Result{Err: err}
		}
		return Result{Words: [4]uint64{uint64(addrs[0])}}
	case SysFreePages:
		return Result{Err: k.FreePages(pid, uintptr(a[0]), int(a[1]))}
	default:
		return Result{Err: fmt.Errorf("%s: %w", call.Num, ErrInvalidArgument)}
	}
}

func (k *Kernel) pidOf(tid TID) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return PID{}, err
	}
	return t.proc.pid, nil
}
