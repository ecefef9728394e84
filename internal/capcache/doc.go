// Package capcache caches stage capability descriptors in LevelDB so task
// submission does not call GET /formats on every stage for every task.
// Entries expire after workflow.capability_ttl seconds.
package capcache
