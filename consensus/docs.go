package consensus

// PBFT, per sequence, under a static primary (view mod n):
//
//	+------+  PrePrepare(valid)   +-------------+  2f+1 Prepare  +----------+
//	| Idle +--------------------->+ PrePrepared +--------------->+ Prepared |
//	+--+---+                      +------+------+                +----+-----+
//	   |                                 |                            |
//	   | PrePrepare(rejected)            | deadline                   | 2f+1 Commit
//	   v                                 v                            v
//	+--+-------+                  +------+---+                 +------+----+
//	| Rejected |                  | TimedOut |                 | Committed |
//	+----------+                  +----------+                 +-----------+
//
// Rejected, TimedOut and Committed are terminal. There is no view change, a
// timed out sequence stays timed out.
//
//Strategy - 单个节点上的共识实例, 由 node 的 receiveRoutine 单线程驱动
//	- base - 公共部分: 序号状态、故障记录、超时、签名
//	- SeqState - 每个序号的状态、区块、投票, 见 consensus/types
//	- Sender - 由 transport 提供, Broadcast 不包括自己
//	- Aggregator - 生成 QC 时聚合 BLS 签名, 可以为空
