//go:build linux && cgo && ibverbs

// Package ibverbs backs the ib.Verbs capability with libibverbs. It is
// compiled only under the ibverbs build tag so the module builds without
// RDMA headers installed; the loopback fabric is the default backend.
package ibverbs

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int query_port_lid(struct ibv_context *ctx, uint8_t port, uint16_t *lid) {
	struct ibv_port_attr attr;
	int rc = ibv_query_port(ctx, port, &attr);
	if (rc != 0) {
		return rc;
	}
	*lid = attr.lid;
	return 0;
}
*/
import "C"

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/corestor/infrc-go/ib"
)

// randomPSN draws a 24-bit initial packet sequence number.
func randomPSN() uint32 {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("ibverbs: psn source failed: %v", err))
	}
	return binary.BigEndian.Uint32(raw[:]) & 0xffffff
}

// Device is one open HCA with its protection domain, implementing ib.Verbs.
type Device struct {
	ctx *C.struct_ibv_context
	pd  *C.struct_ibv_pd
}

var _ ib.Verbs = (*Device)(nil)

// Open opens the HCA with the given name, or the first device when name is
// empty, and allocates its protection domain.
func Open(name string) (*Device, error) {
	var num C.int
	list := C.ibv_get_device_list(&num)
	if list == nil || num == 0 {
		if list != nil {
			C.ibv_free_device_list(list)
		}
		return nil, errors.New("ibverbs: no RDMA devices found")
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(num))
	var chosen *C.struct_ibv_device
	for _, dev := range devs {
		if name == "" || C.GoString(C.ibv_get_device_name(dev)) == name {
			chosen = dev
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("ibverbs: device %q not found", name)
	}

	ctx := C.ibv_open_device(chosen)
	if ctx == nil {
		return nil, fmt.Errorf("ibverbs: open device %q failed", name)
	}
	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, errors.New("ibverbs: allocate protection domain failed")
	}
	return &Device{ctx: ctx, pd: pd}, nil
}

// LID queries the local identifier of the given physical port.
func (d *Device) LID(port int) (uint16, error) {
	var lid C.uint16_t
	if rc := C.query_port_lid(d.ctx, C.uint8_t(port), &lid); rc != 0 {
		return 0, fmt.Errorf("ibverbs: query port %d: rc=%d", port, int(rc))
	}
	return uint16(lid), nil
}

type memoryRegion struct {
	mr  *C.struct_ibv_mr
	buf []byte
}

func (m *memoryRegion) Bytes() []byte { return m.buf }
func (m *memoryRegion) LKey() uint32  { return uint32(m.mr.lkey) }

// RegisterMemory pins buf and registers it with the protection domain for
// local access.
func (d *Device) RegisterMemory(buf []byte) (ib.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, errors.New("ibverbs: empty memory registration")
	}
	mr := C.ibv_reg_mr(d.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)),
		C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return nil, errors.New("ibverbs: ibv_reg_mr failed")
	}
	return &memoryRegion{mr: mr, buf: buf}, nil
}

type sharedReceiveQueue struct {
	srq *C.struct_ibv_srq
}

func (s *sharedReceiveQueue) Close() error {
	if rc := C.ibv_destroy_srq(s.srq); rc != 0 {
		return fmt.Errorf("ibverbs: destroy srq: rc=%d", int(rc))
	}
	return nil
}

// CreateSharedReceiveQueue creates an SRQ with the given depth and SGE
// capacity.
func (d *Device) CreateSharedReceiveQueue(maxWRs, maxSGEs int) (ib.SharedReceiveQueue, error) {
	var attr C.struct_ibv_srq_init_attr
	attr.attr.max_wr = C.uint32_t(maxWRs)
	attr.attr.max_sge = C.uint32_t(maxSGEs)
	srq := C.ibv_create_srq(d.pd, &attr)
	if srq == nil {
		return nil, errors.New("ibverbs: ibv_create_srq failed")
	}
	return &sharedReceiveQueue{srq: srq}, nil
}

type completionQueue struct {
	cq *C.struct_ibv_cq
}

func (c *completionQueue) Close() error {
	if rc := C.ibv_destroy_cq(c.cq); rc != 0 {
		return fmt.Errorf("ibverbs: destroy cq: rc=%d", int(rc))
	}
	return nil
}

// CreateCompletionQueue creates a CQ with at least minEntries entries.
func (d *Device) CreateCompletionQueue(minEntries int) (ib.CompletionQueue, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(minEntries), nil, nil, 0)
	if cq == nil {
		return nil, errors.New("ibverbs: ibv_create_cq failed")
	}
	return &completionQueue{cq: cq}, nil
}

type queuePair struct {
	dev     *Device
	qp      *C.struct_ibv_qp
	port    int
	psn     uint32
	plumbed bool
	closed  bool
}

func (q *queuePair) LocalNum() uint32   { return uint32(q.qp.qp_num) }
func (q *queuePair) InitialPSN() uint32 { return q.psn }
func (q *queuePair) Plumbed() bool      { return q.plumbed }

// Plumb drives the queue pair INIT -> RTR -> RTS using the remote tuple.
func (q *queuePair) Plumb(remote *ib.QueuePairTuple) error {
	if q.closed {
		return ib.ErrQueuePairClosed
	}
	if q.plumbed {
		return ib.ErrAlreadyPlumbed
	}

	var rtr C.struct_ibv_qp_attr
	rtr.qp_state = C.IBV_QPS_RTR
	rtr.path_mtu = C.IBV_MTU_1024
	rtr.dest_qp_num = C.uint32_t(remote.QPN)
	rtr.rq_psn = C.uint32_t(remote.PSN)
	rtr.max_dest_rd_atomic = 1
	rtr.min_rnr_timer = 12
	rtr.ah_attr.is_global = 0
	rtr.ah_attr.dlid = C.uint16_t(remote.LID)
	rtr.ah_attr.sl = 0
	rtr.ah_attr.src_path_bits = 0
	rtr.ah_attr.port_num = C.uint8_t(q.port)
	if rc := C.ibv_modify_qp(q.qp, &rtr,
		C.IBV_QP_STATE|C.IBV_QP_AV|C.IBV_QP_PATH_MTU|C.IBV_QP_DEST_QPN|
			C.IBV_QP_RQ_PSN|C.IBV_QP_MAX_DEST_RD_ATOMIC|C.IBV_QP_MIN_RNR_TIMER); rc != 0 {
		return fmt.Errorf("ibverbs: modify qp to RTR: rc=%d", int(rc))
	}

	var rts C.struct_ibv_qp_attr
	rts.qp_state = C.IBV_QPS_RTS
	rts.timeout = 14
	rts.retry_cnt = 7
	rts.rnr_retry = 7
	rts.sq_psn = C.uint32_t(q.psn)
	rts.max_rd_atomic = 1
	if rc := C.ibv_modify_qp(q.qp, &rts,
		C.IBV_QP_STATE|C.IBV_QP_TIMEOUT|C.IBV_QP_RETRY_CNT|C.IBV_QP_RNR_RETRY|
			C.IBV_QP_SQ_PSN|C.IBV_QP_MAX_QP_RD_ATOMIC); rc != 0 {
		return fmt.Errorf("ibverbs: modify qp to RTS: rc=%d", int(rc))
	}
	q.plumbed = true
	return nil
}

func (q *queuePair) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("ibverbs: destroy qp: rc=%d", int(rc))
	}
	return nil
}

// CreateQueuePair creates an RC queue pair bound to the SRQ and completion
// queues in cfg and moves it to INIT.
func (d *Device) CreateQueuePair(cfg ib.QueuePairConfig) (ib.QueuePair, error) {
	srq, ok := cfg.SRQ.(*sharedReceiveQueue)
	if !ok {
		return nil, errors.New("ibverbs: foreign SRQ")
	}
	txCQ, ok := cfg.TxCQ.(*completionQueue)
	if !ok {
		return nil, errors.New("ibverbs: foreign TX CQ")
	}
	rxCQ, ok := cfg.RxCQ.(*completionQueue)
	if !ok {
		return nil, errors.New("ibverbs: foreign RX CQ")
	}

	var init C.struct_ibv_qp_init_attr
	init.srq = srq.srq
	init.send_cq = txCQ.cq
	init.recv_cq = rxCQ.cq
	init.qp_type = C.IBV_QPT_RC
	init.cap.max_send_wr = C.uint32_t(cfg.MaxSendWRs)
	init.cap.max_recv_wr = C.uint32_t(cfg.MaxRecvWRs)
	init.cap.max_send_sge = 2
	init.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(d.pd, &init)
	if qp == nil {
		return nil, errors.New("ibverbs: ibv_create_qp failed")
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(cfg.Port)
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE
	if rc := C.ibv_modify_qp(qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_PKEY_INDEX|C.IBV_QP_PORT|C.IBV_QP_ACCESS_FLAGS); rc != 0 {
		C.ibv_destroy_qp(qp)
		return nil, fmt.Errorf("ibverbs: modify qp to INIT: rc=%d", int(rc))
	}

	return &queuePair{
		dev:  d,
		qp:   qp,
		port: cfg.Port,
		psn:  randomPSN(),
	}, nil
}

// PostSRQReceive posts buf as a single-SGE receive work request.
func (d *Device) PostSRQReceive(srq ib.SharedReceiveQueue, wrID uint64, buf []byte, mr ib.MemoryRegion) error {
	s, ok := srq.(*sharedReceiveQueue)
	if !ok {
		return errors.New("ibverbs: foreign SRQ")
	}
	region, ok := mr.(*memoryRegion)
	if !ok {
		return errors.New("ibverbs: foreign memory region")
	}

	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(uintptr(unsafe.Pointer(&buf[0])))
	sge.length = C.uint32_t(len(buf))
	sge.lkey = region.mr.lkey

	var wr C.struct_ibv_recv_wr
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if rc := C.ibv_post_srq_recv(s.srq, &wr, &bad); rc != 0 {
		return fmt.Errorf("ibverbs: post srq recv: rc=%d", int(rc))
	}
	return nil
}

func postSend(q *queuePair, wrID uint64, sges []C.struct_ibv_sge) error {
	if !q.plumbed {
		return ib.ErrNotPlumbed
	}
	var wr C.struct_ibv_send_wr
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sges[0]
	wr.num_sge = C.int(len(sges))
	wr.opcode = C.IBV_WR_SEND
	wr.send_flags = C.IBV_SEND_SIGNALED

	var bad *C.struct_ibv_send_wr
	if rc := C.ibv_post_send(q.qp, &wr, &bad); rc != 0 {
		return fmt.Errorf("ibverbs: post send: rc=%d", int(rc))
	}
	return nil
}

// PostSend posts buf as a single-SGE send.
func (d *Device) PostSend(qp ib.QueuePair, wrID uint64, buf []byte, mr ib.MemoryRegion) error {
	q, ok := qp.(*queuePair)
	if !ok {
		return errors.New("ibverbs: foreign queue pair")
	}
	region, ok := mr.(*memoryRegion)
	if !ok {
		return errors.New("ibverbs: foreign memory region")
	}
	sges := make([]C.struct_ibv_sge, 1)
	sges[0].addr = C.uint64_t(uintptr(unsafe.Pointer(&buf[0])))
	sges[0].length = C.uint32_t(len(buf))
	sges[0].lkey = region.mr.lkey
	return postSend(q, wrID, sges)
}

// PostSendGather posts head and payload as a two-SGE send.
func (d *Device) PostSendGather(qp ib.QueuePair, wrID uint64, head []byte, headMR ib.MemoryRegion, payload []byte, payloadMR ib.MemoryRegion) error {
	q, ok := qp.(*queuePair)
	if !ok {
		return errors.New("ibverbs: foreign queue pair")
	}
	headRegion, ok := headMR.(*memoryRegion)
	if !ok {
		return errors.New("ibverbs: foreign head memory region")
	}
	payloadRegion, ok := payloadMR.(*memoryRegion)
	if !ok {
		return errors.New("ibverbs: foreign payload memory region")
	}
	sges := make([]C.struct_ibv_sge, 2)
	sges[0].addr = C.uint64_t(uintptr(unsafe.Pointer(&head[0])))
	sges[0].length = C.uint32_t(len(head))
	sges[0].lkey = headRegion.mr.lkey
	sges[1].addr = C.uint64_t(uintptr(unsafe.Pointer(&payload[0])))
	sges[1].length = C.uint32_t(len(payload))
	sges[1].lkey = payloadRegion.mr.lkey
	return postSend(q, wrID, sges)
}

// PollCompletionQueue drains up to len(wcs) completions.
func (d *Device) PollCompletionQueue(cq ib.CompletionQueue, wcs []ib.WorkCompletion) (int, error) {
	c, ok := cq.(*completionQueue)
	if !ok {
		return 0, errors.New("ibverbs: foreign completion queue")
	}
	if len(wcs) == 0 {
		return 0, nil
	}
	raw := make([]C.struct_ibv_wc, len(wcs))
	n := C.ibv_poll_cq(c.cq, C.int(len(raw)), &raw[0])
	if n < 0 {
		return 0, fmt.Errorf("ibverbs: poll cq failed: rc=%d", int(n))
	}
	for i := 0; i < int(n); i++ {
		wcs[i] = ib.WorkCompletion{
			WRID:    uint64(raw[i].wr_id),
			Status:  statusFromC(raw[i].status),
			ByteLen: uint32(raw[i].byte_len),
			QPNum:   uint32(raw[i].qp_num),
		}
	}
	return int(n), nil
}

// Close releases the protection domain and the device context.
func (d *Device) Close() error {
	var err error
	if rc := C.ibv_dealloc_pd(d.pd); rc != 0 {
		err = fmt.Errorf("ibverbs: dealloc pd: rc=%d", int(rc))
	}
	if rc := C.ibv_close_device(d.ctx); rc != 0 && err == nil {
		err = fmt.Errorf("ibverbs: close device: rc=%d", int(rc))
	}
	return err
}

func statusFromC(status C.enum_ibv_wc_status) ib.CompletionStatus {
	switch status {
	case C.IBV_WC_SUCCESS:
		return ib.StatusSuccess
	case C.IBV_WC_LOC_LEN_ERR:
		return ib.StatusLocalLengthError
	case C.IBV_WC_REM_INV_REQ_ERR:
		return ib.StatusRemoteInvalidRequest
	case C.IBV_WC_WR_FLUSH_ERR:
		return ib.StatusFlushed
	default:
		return ib.StatusError
	}
}
