// Package dht 实现一个 Kademlia 风格的分布式哈希表核心
//
// 整个核心是单线程协作式的：所有状态迁移发生在对 DHT.Periodic 的一次调用内，
// 或者发生在由 Periodic 触发的调度器任务内。核心本身不持有 goroutine，也不
// 对任何数据结构做跨线程同步——调用方负责串行化对外层 facade 的调用。
//
// # 文件组织
//
//   - doc.go            - 本文件
//   - errors.go         - 错误分类与 DHTError 包装
//   - config.go         - Config 与函数式选项
//   - clock.go          - 可注入的时钟接口
//   - scheduler.go      - 基于二叉堆的单线程任务调度器
//   - xor.go            - XOR 距离与公共前缀长度
//   - node.go           - Node 记录与 NodeCache
//   - bucket.go         - K-桶与分裂规则
//   - routing.go        - 按 family 维护的路由表
//   - token.go          - 写令牌铸造与校验（轮转密钥）
//   - valuetype.go      - ValueType 注册表
//   - storage.go        - 存储引擎：预算、过期、监听器通知
//   - message.go        - 请求/响应记录类型，Codec/Sender 外部契约
//   - network.go        - 网络引擎：事务号跟踪、超时与重试
//   - search.go         - 按 (key, family) 的迭代查找状态机
//   - addresstally.go   - 公网地址推断的有界计票
//   - blacklist.go      - 有界黑名单
//   - handler.go        - 服务端请求分发
//   - snapshot.go       - 节点/值的导出与导入
//   - dht.go            - 对外 facade：Periodic 与公共操作
//
// # 设计原则
//
//  1. 传输、编解码、签名均是外部契约，核心只依赖接口。
//  2. 除测试用的 clock.Mock 外，没有任何后台 goroutine。
//  3. 公共操作返回后立即完成；异步完成全部通过回调在 Periodic 内触发。
package dht
